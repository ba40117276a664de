package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/model"
)

// NewJobsCommand groups the job inspection and recovery commands.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and recover ingest jobs",
	}
	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsStatusCommand(rootOpts))
	cmd.AddCommand(newJobsEventsCommand(rootOpts))
	cmd.AddCommand(newJobsRequeueCommand(rootOpts))
	cmd.AddCommand(newJobsRecoverCommand(rootOpts))
	return cmd
}

// JobListResult is one page of jobs.
type JobListResult struct {
	Jobs  []model.IngestJob `json:"jobs"`
	Total int               `json:"total"`
}

func (r JobListResult) WriteText(w io.Writer) error {
	if len(r.Jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSTATE\tATTEMPTS\tERROR")
	for _, j := range r.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", j.ID, j.Source, j.State, j.AttemptCount, j.MaxAttempts, j.LastErrorCode)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d jobs\n", len(r.Jobs), r.Total)
	return err
}

func newJobsListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		state, source, ref string
		limit, offset      int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			filter := model.JobFilter{SourceRef: ref, Limit: limit, Offset: offset}
			if state != "" {
				st, err := model.ParseJobState(strings.ToUpper(state))
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --state", err)
				}
				filter.State = st
			}
			if source != "" {
				filter.Source = model.Source(source)
				if !filter.Source.Valid() {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --source %q", source))
				}
			}

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			jobs, total, err := e.svc.List(ctx, filter)
			if err != nil {
				return out.Fail("list failed", err)
			}
			if jobs == nil {
				jobs = []model.IngestJob{}
			}
			return out.Success(JobListResult{Jobs: jobs, Total: total})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&source, "source", "", "filter by source")
	cmd.Flags().StringVar(&ref, "ref", "", "filter by source reference")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func newJobsStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			st, err := e.svc.Status(ctx, args[0])
			if err != nil {
				return out.Fail("status failed", err)
			}
			return out.Success(JobResult{Job: st.IngestJob, Terminal: st.Terminal, DeadLetter: st.DeadLetter})
		},
	}
}

// EventsResult is a job's event history.
type EventsResult struct {
	JobID  string              `json:"job_id"`
	Events []model.IngestEvent `json:"events"`
}

func (r EventsResult) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tTRANSITION\tEVENT\tMESSAGE")
	for _, ev := range r.Events {
		from := ""
		if ev.FromState != nil {
			from = string(*ev.FromState)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s -> %s\t%s\t%s\n",
			ev.Seq, ev.OccurredAt.UTC().Format(time.RFC3339), from, ev.ToState, ev.EventType, ev.Message)
	}
	return tw.Flush()
}

func newJobsEventsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			events, err := e.svc.Events(ctx, args[0])
			if err != nil {
				return out.Fail("events failed", err)
			}
			return out.Success(EventsResult{JobID: args[0], Events: events})
		},
	}
}

func addRequeueFlags(cmd *cobra.Command, o *ingest.RequeueOptions, process *bool) {
	cmd.Flags().BoolVar(&o.Force, "force", false, "allow requeueing a published or leased job")
	cmd.Flags().BoolVar(&o.ResetAttempts, "reset-attempts", false, "set the attempt count back to zero")
	cmd.Flags().BoolVar(&o.ClearError, "clear-error", false, "drop the last error")
	cmd.Flags().BoolVar(process, "process", false, "run the pipeline before exiting")
}

func newJobsRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		opts    ingest.RequeueOptions
		process bool
	)
	cmd := &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Put a job back in front of the workers",
		Long: `Requeue a job.

FAILED and NEEDS_REVIEW jobs restart at their last successful state.
PUBLISHED jobs require --force and restart at STORED. Jobs that used all
their attempts require --reset-attempts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			job, err := e.svc.Requeue(ctx, args[0], opts)
			if err != nil {
				return out.Fail("requeue refused", err)
			}
			if process {
				if job, err = processJob(ctx, e, job.ID); err != nil {
					return out.Fail("processing failed", err)
				}
			}
			return out.Success(newJobResult(job))
		},
	}
	addRequeueFlags(cmd, &opts, &process)
	return cmd
}

func newJobsRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		opts     ingest.RequeueOptions
		process  bool
		caption  string
		mimeType string
	)
	cmd := &cobra.Command{
		Use:   "recover <job-id> <file>",
		Short: "Replace a job's content and restart it at STORED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			content, err := os.ReadFile(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read file", err)
			}

			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			job, err := e.svc.RecoverWithUpload(ctx, args[0], ingest.Replacement{
				Filename: filepath.Base(args[1]),
				MimeType: mimeType,
				Content:  content,
				Caption:  caption,
			}, opts)
			if err != nil {
				return out.Fail("recovery refused", err)
			}
			if process {
				if job, err = processJob(ctx, e, job.ID); err != nil {
					return out.Fail("processing failed", err)
				}
			}
			return out.Success(newJobResult(job))
		},
	}
	addRequeueFlags(cmd, &opts, &process)
	cmd.Flags().StringVar(&caption, "caption", "", "caption overriding the description")
	cmd.Flags().StringVar(&mimeType, "mime", "", "declared MIME type (default: from extension)")
	return cmd
}
