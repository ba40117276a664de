// Package backfill re-applies a rule version to archived documents in
// resumable batches.
//
// Every document update is its own optimistic-lock write against the
// document's version, so a backfill and a concurrent publication of the
// same document never overwrite each other: the loser re-reads and
// re-evaluates. Progress (cursor and counters) is persisted after each
// batch; a crash loses at most the current batch, and rerunning skips
// documents whose derived fields already match.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
)

const (
	// DefaultBatchSize is used when Trigger is given a non-positive size.
	DefaultBatchSize = 200

	// DefaultConflictRetries bounds re-reads of a document that keeps
	// changing under the backfill.
	DefaultConflictRetries = 3
)

// Outcome of one document.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Scheduler runs backfill jobs in background goroutines.
type Scheduler struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   ingest.Clock
	ids     ingest.IDGenerator

	conflictRetries int
	conflictBackoff time.Duration

	// base outlives the requests that trigger backfills; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records per-document outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock sets the clock. Default: ingest.SystemClock.
func WithClock(c ingest.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithIDGenerator sets the backfill id source. Default: UUIDv7.
func WithIDGenerator(g ingest.IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithConflictRetries sets how many times a conflicting document is
// re-read before it counts as failed.
func WithConflictRetries(n int) Option {
	return func(s *Scheduler) { s.conflictRetries = n }
}

// NewScheduler creates a Scheduler over st.
func NewScheduler(st *store.Store, opts ...Option) *Scheduler {
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:           st,
		logger:          slog.Default(),
		clock:           ingest.SystemClock{},
		ids:             ingest.UUIDv7Generator{},
		conflictRetries: DefaultConflictRetries,
		conflictBackoff: 10 * time.Millisecond,
		base:            base,
		cancel:          cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger persists a queued backfill and starts it in the background. It
// returns as soon as the job row exists.
func (s *Scheduler) Trigger(ctx context.Context, versionID int64, batchSize int, filter model.DocumentFilter) (*model.BackfillJob, error) {
	if _, err := s.store.GetVersion(ctx, versionID); err != nil {
		return nil, fmt.Errorf("trigger backfill: %w", err)
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	job := &model.BackfillJob{
		ID:            s.ids.Generate(),
		RuleVersionID: versionID,
		Filter:        filter,
		BatchSize:     batchSize,
		Status:        model.BackfillQueued,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.CreateBackfill(ctx, job); err != nil {
		return nil, fmt.Errorf("trigger backfill: %w", err)
	}
	s.logger.Info("backfill queued", "backfill_id", job.ID, "rule_version_id", versionID, "batch_size", batchSize)

	s.start(*job)
	return job, nil
}

// Resume restarts every queued or running backfill from its cursor.
// Returns the number resumed.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	jobs, err := s.store.ListUnfinishedBackfills(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume backfills: %w", err)
	}
	for _, job := range jobs {
		s.logger.Info("backfill resumed", "backfill_id", job.ID, "cursor", job.Cursor, "processed", job.Processed)
		s.start(job)
	}
	return len(jobs), nil
}

// Get returns a backfill's persisted progress.
func (s *Scheduler) Get(ctx context.Context, id string) (*model.BackfillJob, error) {
	return s.store.GetBackfill(ctx, id)
}

// Wait blocks until every started backfill has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close stops running backfills at their next batch boundary and waits for
// them. Stopped jobs stay "running" and are picked up by Resume.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) start(job model.BackfillJob) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Run(s.base, &job); err != nil && s.base.Err() == nil {
			s.logger.Error("backfill failed", "backfill_id", job.ID, "error", err)
		}
	}()
}

// Run processes job synchronously from its cursor until done, and returns
// the final state. Cancelling ctx leaves the job resumable.
func (s *Scheduler) Run(ctx context.Context, job *model.BackfillJob) (*model.BackfillJob, error) {
	version, err := s.store.GetVersion(ctx, job.RuleVersionID)
	if err != nil {
		return job, s.finish(ctx, job, err)
	}

	job.Status = model.BackfillRunning
	if job.StartedAt == nil {
		now := s.clock.Now()
		job.StartedAt = &now
	}
	if err := s.store.SaveBackfill(ctx, job); err != nil {
		return job, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return job, err
		}
		page, err := s.store.ListDocuments(ctx, job.Filter, job.Cursor, job.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return job, ctx.Err()
			}
			return job, s.finish(ctx, job, err)
		}

		for i := range page.Documents {
			doc := &page.Documents[i]
			outcome, err := s.apply(ctx, version.Rules, doc)
			if err != nil && ctx.Err() != nil {
				// Interrupted mid-batch: save progress up to the last
				// finished document so a resume does not count it again.
				if serr := s.store.SaveBackfill(context.WithoutCancel(ctx), job); serr != nil {
					return job, errors.Join(ctx.Err(), serr)
				}
				return job, ctx.Err()
			}
			if err != nil {
				s.logger.Warn("backfill document failed",
					"backfill_id", job.ID,
					"document_id", doc.ID,
					"error", err,
				)
			}
			job.Processed++
			switch outcome {
			case OutcomeChanged:
				job.Changed++
			case OutcomeFailed:
				job.FailedDocs++
			}
			s.metrics.BackfillDocument(outcome)
			job.Cursor = doc.ID
		}

		if page.NextCursor == "" {
			return job, s.finish(ctx, job, nil)
		}
		if err := s.store.SaveBackfill(ctx, job); err != nil {
			return job, err
		}
		s.logger.Debug("backfill batch committed",
			"backfill_id", job.ID,
			"cursor", job.Cursor,
			"processed", job.Processed,
			"changed", job.Changed,
		)
	}
}

func (s *Scheduler) finish(ctx context.Context, job *model.BackfillJob, cause error) error {
	now := s.clock.Now()
	job.FinishedAt = &now
	job.Status = model.BackfillCompleted
	if cause != nil {
		job.Status = model.BackfillFailed
		job.Error = cause.Error()
	}
	if err := s.store.SaveBackfill(ctx, job); err != nil {
		return errors.Join(cause, err)
	}
	s.logger.Info("backfill finished",
		"backfill_id", job.ID,
		"status", job.Status,
		"processed", job.Processed,
		"changed", job.Changed,
		"failed_docs", job.FailedDocs,
	)
	return cause
}

// apply evaluates doc and writes the derived fields if they differ. On a
// version conflict the document is re-read and re-evaluated.
func (s *Scheduler) apply(ctx context.Context, doc *rules.Document, current *model.Document) (string, error) {
	outcome := OutcomeUnchanged
	attempt := func() error {
		next := model.DerivedFrom(rules.Evaluate(doc, current.Features()))
		if len(current.Derived().ChangedFields(next)) == 0 {
			outcome = OutcomeUnchanged
			return nil
		}
		_, err := s.store.UpdateDerived(ctx, current.ID, current.Version, next, s.clock.Now())
		if errors.Is(err, store.ErrVersionConflict) {
			fresh, gerr := s.store.GetDocument(ctx, current.ID)
			if gerr != nil {
				return backoff.Permanent(gerr)
			}
			current = fresh
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		outcome = OutcomeChanged
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.conflictBackoff), uint64(s.conflictRetries)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}
