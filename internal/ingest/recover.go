package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/curator/internal/canon"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/store"
)

// RequeueOptions controls operator requeue and recovery.
type RequeueOptions struct {
	// Force allows requeueing a PUBLISHED job or one leased by a live worker.
	Force bool `json:"force"`

	// ResetAttempts sets attempt_count back to zero. Required for jobs that
	// exhausted their attempts.
	ResetAttempts bool `json:"reset_attempts"`

	// ClearError drops last_error_code and last_error_message.
	ClearError bool `json:"clear_error"`
}

// Replacement is corrected content supplied with a recovery.
type Replacement struct {
	Filename string
	MimeType string
	Content  []byte

	// Caption, when non-empty, replaces the description used for
	// classification.
	Caption string
}

// admit decides where a requeued job restarts, or refuses.
func admit(job *model.IngestJob, now time.Time, opts RequeueOptions) (model.JobState, error) {
	var target model.JobState
	switch job.State {
	case model.StatePublished:
		if !opts.Force {
			return "", &AdmissionError{JobID: job.ID, Reason: ReasonForceRequired, Message: "job is already published"}
		}
		target = model.StateStored
	case model.StateFailed, model.StateNeedsReview:
		target = job.ResumeState
	default:
		if job.LeaseActive(now) && !opts.Force {
			return "", &AdmissionError{JobID: job.ID, Reason: ReasonForceRequired, Message: "job is leased by " + job.LeaseOwner}
		}
		target = job.State
	}
	if job.AttemptCount >= job.MaxAttempts && !opts.ResetAttempts {
		return "", &AdmissionError{
			JobID:   job.ID,
			Reason:  ReasonAttemptsExhausted,
			Message: fmt.Sprintf("used %d of %d attempts; reset_attempts required", job.AttemptCount, job.MaxAttempts),
		}
	}
	return target, nil
}

// requeueMutation resets scheduling bookkeeping for a requeued job.
func requeueMutation(opts RequeueOptions) func(*model.IngestJob) {
	return func(j *model.IngestJob) {
		if opts.ResetAttempts {
			j.AttemptCount = 0
		}
		if opts.ClearError {
			j.LastErrorCode = ""
			j.LastErrorMessage = ""
		}
		j.FinishedAt = nil
		j.RetryAfter = nil
		j.LeaseOwner = ""
		j.LeaseUntil = nil
	}
}

// Requeue puts a job back in front of the workers.
//
// FAILED and NEEDS_REVIEW jobs restart at their last successful state.
// PUBLISHED jobs require Force and restart at STORED. Non-terminal jobs are
// released in place (lease and retry_after cleared); a live lease requires
// Force. Exactly one "requeued" event is appended.
func (s *Service) Requeue(ctx context.Context, id string, opts RequeueOptions) (*model.IngestJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	target, err := admit(job, now, opts)
	if err != nil {
		return nil, err
	}

	updated, err := s.commit(ctx, store.Transition{
		JobID:     id,
		From:      job.State,
		To:        target,
		At:        now,
		EventType: model.EventRequeued,
		Message:   "requeued by operator",
		EventPayload: map[string]any{
			"force":          opts.Force,
			"reset_attempts": opts.ResetAttempts,
			"clear_error":    opts.ClearError,
		},
		Check:  recheck(now, opts, target),
		Mutate: requeueMutation(opts),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job requeued", "job_id", id, "from", job.State, "to", target)
	s.wake.Notify()
	return updated, nil
}

// RecoverWithUpload replaces a job's content and restarts it at STORED.
// Admission rules are those of Requeue.
func (s *Service) RecoverWithUpload(ctx context.Context, id string, rep Replacement, opts RequeueOptions) (*model.IngestJob, error) {
	if len(rep.Content) == 0 {
		return nil, &ValidationError{Field: "content", Message: "empty"}
	}
	if s.maxPayloadBytes > 0 && len(rep.Content) > s.maxPayloadBytes {
		return nil, &ValidationError{Field: "content", Message: fmt.Sprintf("exceeds %d bytes", s.maxPayloadBytes)}
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if _, err := admit(job, now, opts); err != nil {
		return nil, err
	}

	old, err := s.store.GetPayload(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, err := s.blobs.Put(ctx, rep.Content)
	if err != nil {
		return nil, fmt.Errorf("recover %s: store replacement: %w", id, err)
	}

	filename := rep.Filename
	if filename == "" {
		filename = old.Filename
	}
	caption := old.Caption
	if rep.Caption != "" {
		caption = rep.Caption
	}
	payload := &model.IngestPayload{
		Filename:    filename,
		MimeType:    normalizeMimeType(rep.MimeType, filename),
		Content:     rep.Content,
		Checksum:    canon.HashWithDomain(canon.DomainPayload, rep.Content),
		Title:       old.Title,
		Description: old.Description,
		Caption:     caption,
		Tags:        old.Tags,
		EventDate:   old.EventDate,
	}

	reset := requeueMutation(opts)
	updated, err := s.commit(ctx, store.Transition{
		JobID:     id,
		From:      job.State,
		To:        model.StateStored,
		At:        now,
		EventType: model.EventRecovered,
		Message:   "content replaced by operator",
		EventPayload: map[string]any{
			"filename":    filename,
			"checksum":    payload.Checksum,
			"storage_ref": ref,
		},
		Check: recheck(now, opts, ""),
		Mutate: func(j *model.IngestJob) {
			reset(j)
			j.StorageRef = ref
			j.Features = nil
			j.Classification = nil
		},
		ReplacePayload: payload,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job recovered", "job_id", id, "from", job.State, "filename", filename)
	s.wake.Notify()
	return updated, nil
}

// recheck re-runs admission against the row read inside the transaction.
// When target is non-empty the decision must also still lead there.
func recheck(now time.Time, opts RequeueOptions, target model.JobState) func(*model.IngestJob) error {
	return func(j *model.IngestJob) error {
		got, err := admit(j, now, opts)
		if err != nil {
			return err
		}
		if target != "" && got != target {
			return fmt.Errorf("requeue %s: %w", j.ID, store.ErrStateConflict)
		}
		return nil
	}
}
