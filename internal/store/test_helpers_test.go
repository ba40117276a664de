package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/curator/internal/model"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store backed by a temp file.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestJob returns a RECEIVED job with minimal required fields.
func newTestJob(id string, source model.Source, sourceRef string) *model.IngestJob {
	return &model.IngestJob{
		ID:          id,
		Source:      source,
		SourceRef:   sourceRef,
		State:       model.StateReceived,
		ResumeState: model.StateReceived,
		MaxAttempts: 3,
		ReceivedAt:  testEpoch,
	}
}

func newTestPayload() *model.IngestPayload {
	return &model.IngestPayload{
		Filename: "minutes.txt",
		MimeType: "text/plain",
		Content:  []byte("weekly sync"),
		Checksum: "abc",
		Title:    "주간 회의록",
		Tags:     []string{"project:alpha"},
	}
}

func newTestDocument(id, category string) *model.Document {
	return &model.Document{
		ID:         id,
		Title:      "title " + id,
		SourceTags: []string{},
		Category:   category,
		Tags:       []string{},
	}
}
