package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/curator/internal/canon"
	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
)

const (
	// DefaultMaxAttempts bounds transient retries per job.
	DefaultMaxAttempts = 3

	// DefaultStageTimeout is the time budget of a single stage run.
	DefaultStageTimeout = 30 * time.Second

	// DefaultLease is how long a claim stays valid without a transition.
	DefaultLease = 2 * time.Minute

	// DefaultRuleset names the ruleset whose active version classifies jobs.
	DefaultRuleset = "default"

	// DefaultMaxPayloadBytes caps submitted content.
	DefaultMaxPayloadBytes = 32 << 20
)

// Service owns the ingest job lifecycle: submission, stage execution,
// retries, requeue and recovery.
//
// Thread-safety: all methods are safe for concurrent use. Serialization of
// job changes is provided by the store's guarded transitions.
type Service struct {
	store     *store.Store
	blobs     BlobStore
	extractor Extractor
	indexer   Indexer
	notifier  Notifier
	metrics   *metrics.Metrics
	clock     Clock
	ids       IDGenerator
	logger    *slog.Logger

	retry           RetryPolicy
	maxAttempts     int
	stageTimeout    time.Duration
	lease           time.Duration
	ruleset         string
	maxPayloadBytes int

	wake *wakeSignal
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the wall clock. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator sets the job id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records pipeline metrics. Default: none.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier announces committed transitions. Default: NopNotifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRetryPolicy sets the backoff between transient failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

// WithMaxAttempts sets max_attempts for new jobs.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithStageTimeout sets the per-stage time budget.
func WithStageTimeout(d time.Duration) Option {
	return func(s *Service) { s.stageTimeout = d }
}

// WithLease sets how long a worker's claim stays valid between transitions.
func WithLease(d time.Duration) Option {
	return func(s *Service) { s.lease = d }
}

// WithRuleset selects the ruleset used by the classify stage.
func WithRuleset(name string) Option {
	return func(s *Service) { s.ruleset = name }
}

// WithMaxPayloadBytes caps submitted content size.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Service) { s.maxPayloadBytes = n }
}

// NewService creates a Service over the given store and collaborators.
func NewService(st *store.Store, blobs BlobStore, extractor Extractor, indexer Indexer, opts ...Option) *Service {
	s := &Service{
		store:           st,
		blobs:           blobs,
		extractor:       extractor,
		indexer:         indexer,
		notifier:        NopNotifier{},
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		logger:          slog.Default(),
		retry:           DefaultRetryPolicy,
		maxAttempts:     DefaultMaxAttempts,
		stageTimeout:    DefaultStageTimeout,
		lease:           DefaultLease,
		ruleset:         DefaultRuleset,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		wake:            newWakeSignal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submission is an incoming document.
type Submission struct {
	Source      model.Source
	SourceRef   string
	Filename    string
	MimeType    string
	Content     []byte
	Title       string
	Description string
	Caption     string
	Tags        []string
	EventDate   string
}

// Submit validates a submission and records it as a RECEIVED job.
//
// Returns *ValidationError for malformed input and *store.DuplicateJobError
// when the source_ref is already live for the source. No row is written in
// either case.
func (s *Service) Submit(ctx context.Context, sub Submission) (*model.IngestJob, error) {
	if err := s.validate(&sub); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	job := &model.IngestJob{
		ID:          s.ids.Generate(),
		Source:      sub.Source,
		SourceRef:   sub.SourceRef,
		State:       model.StateReceived,
		ResumeState: model.StateReceived,
		MaxAttempts: s.maxAttempts,
		ReceivedAt:  now,
	}
	payload := &model.IngestPayload{
		Filename:    sub.Filename,
		MimeType:    sub.MimeType,
		Content:     sub.Content,
		Checksum:    canon.HashWithDomain(canon.DomainPayload, sub.Content),
		Title:       sub.Title,
		Description: sub.Description,
		Caption:     sub.Caption,
		Tags:        rules.MergeTags(sub.Tags),
		EventDate:   sub.EventDate,
	}

	if err := s.store.CreateJob(ctx, job, payload, "submitted via "+string(sub.Source)); err != nil {
		if store.IsDuplicate(err) {
			s.metrics.DuplicateRejected(string(sub.Source))
			return nil, err
		}
		return nil, fmt.Errorf("submit: %w", err)
	}

	s.metrics.JobSubmitted(string(job.Source))
	s.metrics.Transition(string(model.StateReceived))
	s.notify(ctx, job, &model.IngestEvent{
		JobID: job.ID, Seq: 1, ToState: model.StateReceived,
		EventType: model.EventReceived, OccurredAt: now,
	})
	s.logger.Info("job received",
		"job_id", job.ID,
		"source", job.Source,
		"source_ref", job.SourceRef,
		"filename", sub.Filename,
		"bytes", len(sub.Content),
	)
	s.wake.Notify()
	return job, nil
}

func (s *Service) validate(sub *Submission) error {
	if !sub.Source.Valid() {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", sub.Source)}
	}
	sub.Filename = strings.TrimSpace(sub.Filename)
	if sub.Filename == "" {
		return &ValidationError{Field: "filename", Message: "required"}
	}
	if len(sub.Content) == 0 {
		return &ValidationError{Field: "content", Message: "empty"}
	}
	if s.maxPayloadBytes > 0 && len(sub.Content) > s.maxPayloadBytes {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("exceeds %d bytes", s.maxPayloadBytes)}
	}
	for _, tag := range sub.Tags {
		if strings.TrimSpace(tag) == "" {
			return &ValidationError{Field: "tags", Message: "blank tag"}
		}
	}
	sub.MimeType = normalizeMimeType(sub.MimeType, sub.Filename)
	return nil
}

// normalizeMimeType strips parameters and falls back to the filename
// extension, then to application/octet-stream.
func normalizeMimeType(declared, filename string) string {
	candidate := declared
	if candidate == "" {
		candidate = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	}
	if candidate == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(candidate)
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// JobStatus is a job plus derived status flags.
type JobStatus struct {
	*model.IngestJob
	Terminal   bool `json:"terminal"`
	Success    bool `json:"success"`
	DeadLetter bool `json:"dead_letter"`
}

// Status returns the job with its derived flags.
func (s *Service) Status(ctx context.Context, id string) (*JobStatus, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		IngestJob:  job,
		Terminal:   job.State.IsTerminal(),
		Success:    job.Succeeded(),
		DeadLetter: job.IsDeadLetter(),
	}, nil
}

// List returns jobs matching filter and the total match count.
func (s *Service) List(ctx context.Context, filter model.JobFilter) ([]model.IngestJob, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Events returns a job's transition history.
func (s *Service) Events(ctx context.Context, id string) ([]model.IngestEvent, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// commit applies a transition and runs the post-commit side effects.
func (s *Service) commit(ctx context.Context, tr store.Transition) (*model.IngestJob, error) {
	job, ev, err := s.store.ApplyTransition(ctx, tr)
	if err != nil {
		return nil, err
	}
	s.metrics.Transition(string(ev.ToState))
	s.notify(ctx, job, ev)
	s.logger.Debug("job transition",
		"job_id", job.ID,
		"seq", ev.Seq,
		"to", ev.ToState,
		"event", ev.EventType,
	)
	return job, nil
}

func (s *Service) notify(ctx context.Context, job *model.IngestJob, ev *model.IngestEvent) {
	n := Notification{
		JobID:      job.ID,
		Seq:        ev.Seq,
		To:         ev.ToState,
		EventType:  ev.EventType,
		DocumentID: job.DocumentID,
		OccurredAt: ev.OccurredAt,
	}
	if ev.FromState != nil {
		n.From = *ev.FromState
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.metrics.NotifyFailed()
		s.logger.Warn("transition notification failed",
			"job_id", job.ID,
			"seq", ev.Seq,
			"error", err,
		)
	}
}
