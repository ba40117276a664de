package model

import "time"

// BackfillStatus is the lifecycle of a backfill run.
type BackfillStatus string

const (
	BackfillQueued    BackfillStatus = "queued"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillJob is a persisted, resumable bulk re-classification.
type BackfillJob struct {
	ID            string         `json:"id"`
	RuleVersionID int64          `json:"rule_version_id"`
	Filter        DocumentFilter `json:"filter"`
	BatchSize     int            `json:"batch_size"`
	Status        BackfillStatus `json:"status"`
	Cursor        string         `json:"cursor,omitempty"`

	// Counters are saved with the cursor after each batch and when a run
	// is cancelled. A process killed mid-batch redoes that batch on
	// resume, and documents it already updated then count as unchanged.
	Processed  int        `json:"processed"`
	Changed    int        `json:"changed"`
	FailedDocs int        `json:"failed_docs"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
