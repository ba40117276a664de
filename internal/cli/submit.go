package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/model"
)

// cliWorker owns leases taken by one-shot commands.
const cliWorker = "cli"

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Source      string
	SourceRef   string
	MimeType    string
	Title       string
	Description string
	Caption     string
	Tags        []string
	EventDate   string
	Process     bool
}

// JobResult is the text/JSON rendering of one job.
type JobResult struct {
	Job        *model.IngestJob `json:"job"`
	Terminal   bool             `json:"terminal"`
	DeadLetter bool             `json:"dead_letter"`
}

func newJobResult(job *model.IngestJob) JobResult {
	return JobResult{Job: job, Terminal: job.State.IsTerminal(), DeadLetter: job.IsDeadLetter()}
}

// WriteText renders the job as aligned key/value lines.
func (r JobResult) WriteText(w io.Writer) error {
	j := r.Job
	fmt.Fprintf(w, "Job:      %s\n", j.ID)
	fmt.Fprintf(w, "Source:   %s", j.Source)
	if j.SourceRef != "" {
		fmt.Fprintf(w, " (%s)", j.SourceRef)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "State:    %s\n", j.State)
	fmt.Fprintf(w, "Attempts: %d/%d\n", j.AttemptCount, j.MaxAttempts)
	if j.LastErrorCode != "" {
		fmt.Fprintf(w, "Error:    %s: %s\n", j.LastErrorCode, j.LastErrorMessage)
	}
	if r.DeadLetter {
		fmt.Fprintln(w, "Dead letter: yes")
	}
	if j.DocumentID != "" {
		fmt.Fprintf(w, "Document: %s\n", j.DocumentID)
	}
	if c := j.Classification; c != nil {
		fmt.Fprintf(w, "Category: %s\n", c.Category)
		if len(c.Tags) > 0 {
			fmt.Fprintf(w, "Tags:     %v\n", c.Tags)
		}
	}
	return nil
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a document for ingestion",
		Long: `Create an ingest job for a local file.

The job is picked up by a running "curator serve". With --process the
pipeline runs in this process until nothing is ready.

Example:
  curator submit minutes.txt --title "주간 회의" --tag project:alpha
  curator submit scan.pdf --source wiki --ref wiki:1234 --process`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", string(model.SourceManual), "submission source (manual|api|wiki|bot-channel)")
	cmd.Flags().StringVar(&opts.SourceRef, "ref", "", "source reference used for duplicate detection")
	cmd.Flags().StringVar(&opts.MimeType, "mime", "", "declared MIME type (default: from extension)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "document title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "document description")
	cmd.Flags().StringVar(&opts.Caption, "caption", "", "caption overriding the description")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "source tag (repeatable)")
	cmd.Flags().StringVar(&opts.EventDate, "event-date", "", "declared event date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.Process, "process", false, "run the pipeline before exiting")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	content, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read file", err)
	}

	ctx := cmdContext(cmd)
	e, err := openEnv(ctx, opts.RootOptions, false)
	if err != nil {
		return err
	}
	defer e.Close()

	job, err := e.svc.Submit(ctx, ingest.Submission{
		Source:      model.Source(opts.Source),
		SourceRef:   opts.SourceRef,
		Filename:    filepath.Base(path),
		MimeType:    opts.MimeType,
		Content:     content,
		Title:       opts.Title,
		Description: opts.Description,
		Caption:     opts.Caption,
		Tags:        opts.Tags,
		EventDate:   opts.EventDate,
	})
	if err != nil {
		return out.Fail("submit failed", err)
	}
	out.VerboseLog("job %s received", job.ID)

	if opts.Process {
		if job, err = processJob(ctx, e, job.ID); err != nil {
			return out.Fail("processing failed", err)
		}
	}
	return out.Success(newJobResult(job))
}

// processJob drains ready jobs and returns the job's latest state.
func processJob(ctx context.Context, e *env, id string) (*model.IngestJob, error) {
	if _, err := e.svc.Drain(ctx, cliWorker); err != nil {
		return nil, err
	}
	return e.store.GetJob(ctx, id)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
