package model

import (
	"fmt"
	"time"

	"github.com/roach88/curator/internal/rules"
)

// JobState is a state of the ingest state machine.
type JobState string

const (
	StateReceived    JobState = "RECEIVED"
	StateStored      JobState = "STORED"
	StateExtracted   JobState = "EXTRACTED"
	StateClassified  JobState = "CLASSIFIED"
	StateIndexed     JobState = "INDEXED"
	StatePublished   JobState = "PUBLISHED"
	StateFailed      JobState = "FAILED"
	StateNeedsReview JobState = "NEEDS_REVIEW"
)

// AllStates lists every state, success path first.
var AllStates = []JobState{
	StateReceived, StateStored, StateExtracted, StateClassified,
	StateIndexed, StatePublished, StateFailed, StateNeedsReview,
}

// IsTerminal reports whether no stage runs from s without a requeue.
func (s JobState) IsTerminal() bool {
	return s == StatePublished || s == StateFailed || s == StateNeedsReview
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	for _, v := range AllStates {
		if v == s {
			return true
		}
	}
	return false
}

// ParseJobState parses a state name.
func ParseJobState(s string) (JobState, error) {
	st := JobState(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job state %q", s)
	}
	return st, nil
}

// Source identifies where a submission came from.
type Source string

const (
	SourceManual     Source = "manual"
	SourceAPI        Source = "api"
	SourceWiki       Source = "wiki"
	SourceBotChannel Source = "bot-channel"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceAPI, SourceWiki, SourceBotChannel:
		return true
	}
	return false
}

// IngestJob is one submission attempt moving through the state machine.
type IngestJob struct {
	ID               string     `json:"id"`
	Source           Source     `json:"source"`
	SourceRef        string     `json:"source_ref,omitempty"`
	State            JobState   `json:"state"`
	ResumeState      JobState   `json:"resume_state"`
	AttemptCount     int        `json:"attempt_count"`
	MaxAttempts      int        `json:"max_attempts"`
	LastErrorCode    string     `json:"last_error_code,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	RetryAfter       *time.Time `json:"retry_after,omitempty"`
	ReceivedAt       time.Time  `json:"received_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	DocumentID       string     `json:"document_id,omitempty"`
	EventSeq         int64      `json:"event_seq"`

	LeaseOwner string     `json:"lease_owner,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	StorageRef     string          `json:"storage_ref,omitempty"`
	Features       *rules.Features `json:"features,omitempty"`
	Classification *rules.Result   `json:"classification,omitempty"`

	// DocumentVersion is the archive version of the job's document when it
	// was classified; zero if the document did not exist yet.
	DocumentVersion int64 `json:"document_version,omitempty"`
}

// IsDeadLetter reports whether the job exhausted its attempts.
func (j *IngestJob) IsDeadLetter() bool {
	return j.State == StateFailed && j.AttemptCount >= j.MaxAttempts
}

// Succeeded reports whether the job was published.
func (j *IngestJob) Succeeded() bool {
	return j.State == StatePublished
}

// LeaseActive reports whether a worker holds the job at now.
func (j *IngestJob) LeaseActive(now time.Time) bool {
	return j.LeaseOwner != "" && j.LeaseUntil != nil && j.LeaseUntil.After(now)
}

// IngestPayload is the submitted content of a job.
type IngestPayload struct {
	JobID       string     `json:"job_id"`
	Filename    string     `json:"filename"`
	MimeType    string     `json:"mime_type"`
	Content     []byte     `json:"-"`
	Checksum    string     `json:"checksum"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Caption     string     `json:"caption,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	EventDate   string     `json:"event_date,omitempty"`
	ReplacedAt  *time.Time `json:"replaced_at,omitempty"`
}

// IngestEvent is one append-only transition record.
type IngestEvent struct {
	JobID      string         `json:"job_id"`
	Seq        int64          `json:"seq"`
	FromState  *JobState      `json:"from_state"`
	ToState    JobState       `json:"to_state"`
	EventType  string         `json:"event_type"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Event types.
const (
	EventReceived       = "received"
	EventStageCompleted = "stage_completed"
	EventRetryScheduled = "retry_scheduled"
	EventFailed         = "failed"
	EventReviewRequired = "review_required"
	EventRequeued       = "requeued"
	EventRecovered      = "recovered"
)

// JobFilter selects jobs for listing.
type JobFilter struct {
	State     JobState
	Source    Source
	SourceRef string
	Limit     int
	Offset    int
}
