package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/store"
)

func newTestIndex(t *testing.T) *SQLite {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := New(context.Background(), st.DB())
	require.NoError(t, err)
	return idx
}

func TestUpsert_InsertThenReplace(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, ingest.IndexEntry{
		DocumentID: "doc_1", Title: "주간 회의", Body: "안건", Category: "회의",
		Tags: []string{"meeting"}, EventDate: "2026-03-02",
	}))
	require.NoError(t, idx.Upsert(ctx, ingest.IndexEntry{
		DocumentID: "doc_1", Title: "주간 회의", Body: "안건", Category: "기타",
	}))

	got, err := idx.Get(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, "기타", got.Category)
	assert.Equal(t, []string{}, got.Tags)
	assert.Empty(t, got.EventDate)
}

func TestGet_Missing(t *testing.T) {
	idx := newTestIndex(t)
	_, err := idx.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestSearch_FoldsCase(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	entries := []ingest.IndexEntry{
		{DocumentID: "doc_a", Title: "Budget REVIEW", Body: "q1", Category: "finance"},
		{DocumentID: "doc_b", Title: "Team offsite", Body: "budget notes", Category: "events"},
		{DocumentID: "doc_c", Title: "Straße plan", Body: "", Category: "events"},
	}
	for _, e := range entries {
		require.NoError(t, idx.Upsert(ctx, e))
	}

	hits, err := idx.Search(ctx, "budget", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc_a", hits[0].DocumentID)
	assert.Equal(t, "doc_b", hits[1].DocumentID)

	hits, err = idx.Search(ctx, "budget", "events", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc_b", hits[0].DocumentID)

	hits, err = idx.Search(ctx, "STRASSE", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc_c", hits[0].DocumentID)
}
