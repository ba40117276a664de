package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/curator/internal/model"
)

// ErrBlobNotFound is returned by a BlobStore when a reference is unknown.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore keeps raw submitted content. Put is idempotent for identical
// content and returns an opaque reference accepted by Get.
type BlobStore interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Extraction is what an Extractor recovers from raw content.
type Extraction struct {
	// Title found inside the content (HTML <title>, markdown heading).
	// Used only when the submission has no title.
	Title string

	// Body is the plain text of the content.
	Body string
}

// Extractor turns raw content into text. Implementations report failures as
// *StageError with the extraction codes; other errors are treated as
// transient internal failures.
type Extractor interface {
	Extract(ctx context.Context, content []byte, mimeType, filename string) (Extraction, error)
}

// IndexEntry is the searchable projection of a classified job.
type IndexEntry struct {
	DocumentID string
	Title      string
	Body       string
	Category   string
	Tags       []string
	EventDate  string
}

// Indexer upserts entries into the search index keyed by DocumentID.
type Indexer interface {
	Upsert(ctx context.Context, entry IndexEntry) error
}

// Notification describes one committed transition.
type Notification struct {
	JobID      string         `json:"job_id"`
	Seq        int64          `json:"seq"`
	From       model.JobState `json:"from_state,omitempty"`
	To         model.JobState `json:"to_state"`
	EventType  string         `json:"event_type"`
	DocumentID string         `json:"document_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier announces committed transitions. Delivery is best effort: errors
// are logged and never affect the job.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
