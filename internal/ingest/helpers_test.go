package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
	"github.com/roach88/curator/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const meetingRules = `{
  "default_category": "기타",
  "category_rules": [
    {"category": "회의", "keywords": {"title": ["회의"], "body": ["안건"]}, "auto_tags": ["meeting"]}
  ]
}`

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	err   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, content []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	sum := sha256.Sum256(content)
	ref := hex.EncodeToString(sum[:])
	m.blobs[ref] = append([]byte(nil), content...)
	return ref, nil
}

func (m *memBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return b, nil
}

// fakeExtractor returns the content as body unless fn overrides it.
type fakeExtractor struct {
	fn func(ctx context.Context, content []byte) (Extraction, error)
}

func (f *fakeExtractor) Extract(ctx context.Context, content []byte, _, _ string) (Extraction, error) {
	if f.fn != nil {
		return f.fn(ctx, content)
	}
	return Extraction{Body: string(content)}, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	entries map[string]IndexEntry
	err     error

	// onUpsert runs before each upsert is recorded.
	onUpsert func(ctx context.Context, e IndexEntry)
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{entries: make(map[string]IndexEntry)}
}

func (f *fakeIndexer) Upsert(ctx context.Context, e IndexEntry) error {
	if f.onUpsert != nil {
		f.onUpsert(ctx, e)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries[e.DocumentID] = e
	return nil
}

func (f *fakeIndexer) entry(id string) (IndexEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return e, ok
}

func (f *fakeIndexer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification

	// on runs after each notification is recorded.
	on func(n Notification)
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	if r.on != nil {
		r.on(n)
	}
	return nil
}

// hookClock is a FakeClock that runs fn once, on the first read after arm.
type hookClock struct {
	*testutil.FakeClock
	mu    sync.Mutex
	armed bool
	fn    func()
}

func (c *hookClock) arm(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed, c.fn = true, fn
}

func (c *hookClock) Now() time.Time {
	c.mu.Lock()
	fn := c.fn
	fire := c.armed
	c.armed = false
	c.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
	return c.FakeClock.Now()
}

type harness struct {
	store     *store.Store
	svc       *Service
	clock     *testutil.FakeClock
	blobs     *memBlobs
	extractor *fakeExtractor
	indexer   *fakeIndexer
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, rulesJSON string, opts ...Option) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:     st,
		clock:     testutil.NewFakeClock(testEpoch),
		blobs:     newMemBlobs(),
		extractor: &fakeExtractor{},
		indexer:   newFakeIndexer(),
		notifier:  &recordingNotifier{},
	}

	if rulesJSON != "" {
		ctx := context.Background()
		_, err := st.CreateRuleset(ctx, DefaultRuleset, testEpoch)
		require.NoError(t, err)
		v, err := st.CreateVersion(ctx, DefaultRuleset, rules.MustParse(rulesJSON), testEpoch)
		require.NoError(t, err)
		_, err = st.ActivateVersion(ctx, v.ID, testEpoch)
		require.NoError(t, err)
	}

	base := []Option{
		WithClock(h.clock),
		WithIDGenerator(testutil.NewSequentialIDs("job")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNotifier(h.notifier),
		WithRetryPolicy(RetryPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
	}
	h.svc = NewService(st, h.blobs, h.extractor, h.indexer, append(base, opts...)...)
	return h
}

func meetingSubmission() Submission {
	return Submission{
		Source:    "api",
		SourceRef: "load:1",
		Filename:  "minutes.txt",
		Content:   []byte("이번 주 안건 정리"),
		Title:     "주간 회의",
		Tags:      []string{"project:alpha"},
	}
}
