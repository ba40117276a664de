package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/store"
)

// RunOnce claims one runnable job for owner and advances it until it becomes
// terminal, is scheduled for retry, or the lease is lost. Returns false when
// no job was ready.
func (s *Service) RunOnce(ctx context.Context, owner string) (bool, error) {
	job, err := s.store.ClaimNext(ctx, owner, s.clock.Now(), s.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	s.logger.Debug("job claimed", "job_id", job.ID, "state", job.State, "owner", owner)
	if err := s.process(ctx, job, owner); err != nil {
		if errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrStateConflict) {
			s.logger.Warn("job taken over while processing",
				"job_id", job.ID,
				"owner", owner,
				"error", err,
			)
			return true, nil
		}
		return true, err
	}
	return true, nil
}

// Drain runs jobs until none is ready. Used by the CLI and tests.
func (s *Service) Drain(ctx context.Context, owner string) (int, error) {
	n := 0
	for {
		ran, err := s.RunOnce(ctx, owner)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

func (s *Service) process(ctx context.Context, job *model.IngestJob, owner string) error {
	for {
		stage, next, ok := stageFor(job.State)
		if !ok {
			return nil
		}

		stageCtx, cancel := context.WithTimeout(ctx, s.stageTimeout)
		started := time.Now()
		out, err := s.runStage(stageCtx, stage, next, job)
		deadlineHit := errors.Is(stageCtx.Err(), context.DeadlineExceeded)
		cancel()
		s.metrics.ObserveStage(string(stage), time.Since(started))

		if err != nil {
			if ctx.Err() != nil {
				// Shutting down. The lease expires and another worker resumes.
				return ctx.Err()
			}
			se := classifyError(stage, err)
			if deadlineHit && se.Kind == KindTransient {
				se = classifyError(stage, context.DeadlineExceeded)
			}
			_, ferr := s.fail(ctx, job, owner, se)
			return ferr
		}

		updated, err := s.advance(ctx, job, owner, stage, out)
		if store.IsVersionConflict(err) {
			// The document moved on between the stage's read and the commit.
			se := Transient(CodeDocumentConflict, "document changed before the transition committed", err)
			se.Stage = stage
			_, ferr := s.fail(ctx, job, owner, se)
			return ferr
		}
		if err != nil {
			return err
		}
		job = updated
	}
}

func (s *Service) advance(ctx context.Context, job *model.IngestJob, owner string, stage Stage, out stageOutcome) (*model.IngestJob, error) {
	now := s.clock.Now()
	leaseUntil := now.Add(s.lease)
	updated, err := s.commit(ctx, store.Transition{
		JobID:        job.ID,
		From:         job.State,
		To:           out.to,
		At:           now,
		EventType:    out.event,
		Message:      out.message,
		EventPayload: out.payload,
		LeaseOwner:   owner,
		Mutate: func(j *model.IngestJob) {
			if out.mutate != nil {
				out.mutate(j)
			}
			if !j.State.IsTerminal() {
				j.LeaseUntil = &leaseUntil
			}
		},
		Document: out.document,
	})
	if err != nil {
		return nil, fmt.Errorf("advance %s after %s: %w", job.ID, stage, err)
	}

	switch updated.State {
	case model.StatePublished:
		s.logger.Info("job published", "job_id", updated.ID, "document_id", updated.DocumentID)
	case model.StateNeedsReview:
		s.logger.Info("job needs review", "job_id", updated.ID, "reasons", out.message)
	}
	return updated, nil
}

// fail records a stage failure. Permanent errors end the job; transient ones
// consume an attempt and either schedule a retry or, once attempts are
// exhausted, dead-letter the job.
func (s *Service) fail(ctx context.Context, job *model.IngestJob, owner string, se *StageError) (*model.IngestJob, error) {
	s.metrics.StageFailure(string(se.Stage), string(se.Code), string(se.Kind))
	now := s.clock.Now()

	payload := map[string]any{
		"stage": string(se.Stage),
		"code":  string(se.Code),
		"kind":  string(se.Kind),
	}
	setError := func(j *model.IngestJob) {
		j.LastErrorCode = string(se.Code)
		j.LastErrorMessage = se.Error()
	}

	tr := store.Transition{
		JobID:        job.ID,
		From:         job.State,
		At:           now,
		Message:      se.Error(),
		EventPayload: payload,
		LeaseOwner:   owner,
	}

	attempts := job.AttemptCount
	if se.Kind == KindTransient {
		attempts++
	}
	payload["attempt"] = attempts

	switch {
	case se.Kind == KindPermanent:
		tr.To = model.StateFailed
		tr.EventType = model.EventFailed
		tr.Mutate = setError

	case attempts >= job.MaxAttempts:
		tr.To = model.StateFailed
		tr.EventType = model.EventFailed
		payload["dead_letter"] = true
		tr.Mutate = func(j *model.IngestJob) {
			setError(j)
			j.AttemptCount = j.MaxAttempts
		}

	default:
		retryAt := now.Add(s.retry.Delay(attempts))
		payload["retry_after"] = retryAt.Format(time.RFC3339Nano)
		tr.To = job.State
		tr.EventType = model.EventRetryScheduled
		tr.Mutate = func(j *model.IngestJob) {
			setError(j)
			j.AttemptCount = attempts
			j.RetryAfter = &retryAt
			j.LeaseOwner = ""
			j.LeaseUntil = nil
		}
	}

	updated, err := s.commit(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("record failure of %s: %w", job.ID, err)
	}

	s.logger.Warn("stage failed",
		"job_id", job.ID,
		"stage", se.Stage,
		"code", se.Code,
		"kind", se.Kind,
		"attempt", updated.AttemptCount,
		"max_attempts", updated.MaxAttempts,
		"state", updated.State,
		"error", se,
	)
	if updated.RetryAfter != nil {
		s.wake.Notify()
	}
	return updated, nil
}

// Wake nudges idle workers to look for work now.
func (s *Service) Wake() {
	s.wake.Notify()
}

// Pool runs N workers that claim and advance jobs.
type Pool struct {
	svc     *Service
	workers int
	poll    time.Duration
	id      string
}

// NewPool creates a pool of workers over svc. poll bounds how long an idle
// worker sleeps before looking again.
func NewPool(svc *Service, workers int, poll time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Pool{
		svc:     svc,
		workers: workers,
		poll:    poll,
		id:      uuid.Must(uuid.NewV7()).String(),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.svc.logger.Info("worker pool starting", "workers", p.workers, "poll", p.poll)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("%s/%d", p.id, i)
		go func() {
			defer wg.Done()
			p.loop(ctx, owner)
		}()
	}
	wg.Wait()

	p.svc.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Take the wake channel before claiming so a Notify racing with an
		// empty claim is not lost.
		wake := p.svc.wake.C()

		ran, err := p.svc.RunOnce(ctx, owner)
		if err != nil && ctx.Err() == nil {
			p.svc.logger.Error("worker iteration failed", "owner", owner, "error", err)
		}
		if ran {
			continue
		}

		timer := time.NewTimer(p.idleFor(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// idleFor returns how long to sleep: until the earliest scheduled retry or
// the poll interval, whichever is sooner.
func (p *Pool) idleFor(ctx context.Context) time.Duration {
	now := p.svc.clock.Now()
	next, err := p.svc.store.NextRetryAt(ctx, now)
	if err != nil || next == nil {
		return p.poll
	}
	if d := next.Sub(now); d < p.poll {
		if d < 0 {
			return 0
		}
		return d
	}
	return p.poll
}
