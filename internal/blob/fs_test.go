package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/ingest"
)

func TestFS_PutGet(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("회의록"))
	require.NoError(t, err)
	assert.Len(t, ref, 64)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("회의록"), got)

	again, err := s.Put(ctx, []byte("회의록"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestFS_LayoutAndNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, ref[:2]))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ref, entries[0].Name())
}

func TestFS_GetMissing(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ingest.ErrBlobNotFound)

	_, err = s.Get(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ingest.ErrBlobNotFound)
}

func TestNewFS_EmptyRoot(t *testing.T) {
	_, err := NewFS(" ")
	assert.Error(t, err)
}

func TestFS_CancelledContext(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
