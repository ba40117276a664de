package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/curator/internal/backfill"
	"github.com/roach88/curator/internal/model"
)

// NewBackfillCommand groups the backfill commands.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reclassify stored documents under a rule version",
	}
	cmd.AddCommand(newBackfillRunCommand(rootOpts))
	cmd.AddCommand(newBackfillStatusCommand(rootOpts))
	return cmd
}

// BackfillResult renders a backfill job's progress.
type BackfillResult struct {
	*model.BackfillJob
}

func (r BackfillResult) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Backfill:  %s\n", r.ID)
	fmt.Fprintf(w, "Version:   %d\n", r.RuleVersionID)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Processed: %d  Changed: %d  Failed: %d\n", r.Processed, r.Changed, r.FailedDocs)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
	return nil
}

func newBackfillRunCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		batchSize int
		filter    model.DocumentFilter
	)
	cmd := &cobra.Command{
		Use:   "run <version-id>",
		Short: "Run a backfill to completion in this process",
		Long: `Reclassify every matching document under a rule version and wait for
the run to finish. Progress is checkpointed per batch; an interrupted run is
resumed by the next "curator serve".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			id, err := parseVersionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			scheduler := backfill.NewScheduler(e.store,
				backfill.WithLogger(e.logger),
				backfill.WithMetrics(e.metrics),
			)
			defer scheduler.Close()

			job, err := scheduler.Trigger(ctx, id, batchSize, filter)
			if err != nil {
				return out.Fail("backfill refused", err)
			}
			out.VerboseLog("backfill %s started", job.ID)
			scheduler.Wait()

			if job, err = scheduler.Get(ctx, job.ID); err != nil {
				return out.Fail("backfill status failed", err)
			}
			if err := out.Success(BackfillResult{BackfillJob: job}); err != nil {
				return err
			}
			if job.Status == model.BackfillFailed {
				return NewExitError(ExitFailure, "backfill failed: "+job.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", backfill.DefaultBatchSize, "documents per batch")
	addFilterFlags(cmd, &filter)
	return cmd
}

func newBackfillStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <backfill-id>",
		Short: "Show a backfill's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			ctx := cmdContext(cmd)
			e, err := openEnv(ctx, rootOpts, false)
			if err != nil {
				return err
			}
			defer e.Close()

			job, err := e.store.GetBackfill(ctx, args[0])
			if err != nil {
				return out.Fail("status failed", err)
			}
			return out.Success(BackfillResult{BackfillJob: job})
		},
	}
}
