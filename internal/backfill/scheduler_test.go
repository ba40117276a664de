package backfill

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
	"github.com/roach88/curator/internal/testutil"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const contractRules = `{
  "default_category": "기타",
  "category_rules": [
    {"category": "회의", "keywords": {"title": ["회의"]}, "auto_tags": ["meeting"]},
    {"category": "계약", "keywords": {"title": ["계약"]}, "auto_tags": ["legal"]}
  ]
}`

type fixture struct {
	store   *store.Store
	sched   *Scheduler
	metrics *metrics.Metrics
	version *model.RuleVersion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)
	v, err := st.CreateVersion(ctx, "default", rules.MustParse(contractRules), testEpoch)
	require.NoError(t, err)

	docs := []*model.Document{
		{ID: "doc_1", Title: "주간 회의", Category: "회의", Tags: []string{"meeting"}},
		{ID: "doc_2", Title: "3월 영수증", Category: "기타"},
		{ID: "doc_3", Title: "계약서 초안", Category: "기타", ReviewStatus: model.ReviewPending},
	}
	for _, d := range docs {
		require.NoError(t, st.InsertDocument(ctx, d, testEpoch))
	}

	m := metrics.New()
	sched := NewScheduler(st,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
		WithClock(testutil.NewFakeClock(testEpoch)),
		WithIDGenerator(testutil.NewSequentialIDs("bf")),
	)
	t.Cleanup(sched.Close)
	return &fixture{store: st, sched: sched, metrics: m, version: v}
}

func TestTrigger_ProcessesAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.sched.Trigger(ctx, f.version.ID, 2, model.DocumentFilter{})
	require.NoError(t, err)
	assert.Equal(t, "bf-0001", job.ID)
	assert.Equal(t, model.BackfillQueued, job.Status)

	f.sched.Wait()

	got, err := f.sched.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BackfillCompleted, got.Status)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 1, got.Changed)
	assert.Equal(t, 0, got.FailedDocs)
	assert.Equal(t, "doc_3", got.Cursor)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	doc, err := f.store.GetDocument(ctx, "doc_3")
	require.NoError(t, err)
	assert.Equal(t, "계약", doc.Category)
	assert.Equal(t, []string{"legal"}, doc.Tags)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, model.ReviewPending, doc.ReviewStatus, "backfill leaves review status alone")

	series, err := promtestutil.GatherAndCount(f.metrics.Registry(), "curator_backfill_documents_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "changed and unchanged outcomes")
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &model.BackfillJob{ID: "a", RuleVersionID: f.version.ID, BatchSize: 10, Status: model.BackfillQueued, CreatedAt: testEpoch}
	require.NoError(t, f.store.CreateBackfill(ctx, first))
	_, err := f.sched.Run(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Changed)

	before := map[string]int64{}
	for _, id := range []string{"doc_1", "doc_2", "doc_3"} {
		d, err := f.store.GetDocument(ctx, id)
		require.NoError(t, err)
		before[id] = d.Version
	}

	second := &model.BackfillJob{ID: "b", RuleVersionID: f.version.ID, BatchSize: 10, Status: model.BackfillQueued, CreatedAt: testEpoch}
	require.NoError(t, f.store.CreateBackfill(ctx, second))
	_, err = f.sched.Run(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Processed)
	assert.Equal(t, 0, second.Changed)

	for id, v := range before {
		d, err := f.store.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, v, d.Version, id)
	}
}

func TestResume_ContinuesFromCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := testEpoch
	job := &model.BackfillJob{
		ID: "interrupted", RuleVersionID: f.version.ID, BatchSize: 1,
		Status: model.BackfillRunning, Cursor: "doc_1", Processed: 1,
		CreatedAt: testEpoch, StartedAt: &started,
	}
	require.NoError(t, f.store.CreateBackfill(ctx, job))

	n, err := f.sched.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.sched.Wait()

	got, err := f.store.GetBackfill(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, model.BackfillCompleted, got.Status)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 1, got.Changed)
	assert.Equal(t, started, *got.StartedAt)
}

func TestApply_RereadsOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.store.GetDocument(ctx, "doc_3")
	require.NoError(t, err)
	_, err = f.store.UpdateDerived(ctx, "doc_3", stale.Version, model.DerivedFields{Category: "기타", Tags: []string{"x"}}, testEpoch)
	require.NoError(t, err)

	outcome, err := f.sched.apply(ctx, f.version.Rules, stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeChanged, outcome)

	doc, err := f.store.GetDocument(ctx, "doc_3")
	require.NoError(t, err)
	assert.Equal(t, "계약", doc.Category)
	assert.Equal(t, int64(3), doc.Version)
}

func TestTrigger_UnknownVersion(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Trigger(context.Background(), 404, 10, model.DocumentFilter{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_FilteredByCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &model.BackfillJob{ID: "c", RuleVersionID: f.version.ID, BatchSize: 5,
		Filter: model.DocumentFilter{Category: "회의"}, Status: model.BackfillQueued, CreatedAt: testEpoch}
	require.NoError(t, f.store.CreateBackfill(ctx, job))
	_, err := f.sched.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Processed)
	assert.Equal(t, 0, job.Changed)
}

func TestRun_RederivesEventDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertDocument(ctx, &model.Document{
		ID:        "doc_4",
		Title:     "회의 2026-02-02",
		Filename:  "2025-12-31-minutes.txt",
		Category:  "회의",
		Tags:      []string{"meeting"},
		EventDate: "2025-12-31",
	}, testEpoch))
	titleDates, err := f.store.CreateVersion(ctx, "default", rules.MustParse(`{
  "default_category": "기타",
  "category_rules": [
    {"category": "회의", "keywords": {"title": ["회의"]}, "auto_tags": ["meeting"]}
  ],
  "event_date": {"fields": ["title"]}
}`), testEpoch)
	require.NoError(t, err)

	job := &model.BackfillJob{ID: "d", RuleVersionID: titleDates.ID, BatchSize: 5,
		Filter: model.DocumentFilter{Category: "회의"}, Status: model.BackfillQueued, CreatedAt: testEpoch}
	require.NoError(t, f.store.CreateBackfill(ctx, job))
	_, err = f.sched.Run(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Processed)
	assert.Equal(t, 1, job.Changed)

	doc, err := f.store.GetDocument(ctx, "doc_4")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-02", doc.EventDate)
	assert.Equal(t, int64(2), doc.Version)
}

// cancellingClock cancels a context on its nth read.
type cancellingClock struct {
	*testutil.FakeClock
	n      int
	cancel context.CancelFunc
}

func (c *cancellingClock) Now() time.Time {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return c.FakeClock.Now()
}

func TestRun_CancelMidBatchKeepsCounts(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.store.InsertDocument(ctx, &model.Document{ID: "doc_4", Title: "계약 변경 합의", Category: "기타"}, testEpoch))

	// Reads: started_at, then one per updated document. The third read is
	// the write of doc_4.
	clock := &cancellingClock{FakeClock: testutil.NewFakeClock(testEpoch), n: 3, cancel: cancel}
	sched := NewScheduler(f.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock),
	)
	t.Cleanup(sched.Close)

	job := &model.BackfillJob{ID: "e", RuleVersionID: f.version.ID, BatchSize: 10, Status: model.BackfillQueued, CreatedAt: testEpoch}
	require.NoError(t, f.store.CreateBackfill(context.Background(), job))
	_, err := sched.Run(ctx, job)
	require.ErrorIs(t, err, context.Canceled)

	saved, err := f.store.GetBackfill(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, model.BackfillRunning, saved.Status)
	assert.Equal(t, "doc_3", saved.Cursor)
	assert.Equal(t, 3, saved.Processed)
	assert.Equal(t, 1, saved.Changed)

	n, err := f.sched.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.sched.Wait()

	got, err := f.store.GetBackfill(context.Background(), "e")
	require.NoError(t, err)
	assert.Equal(t, model.BackfillCompleted, got.Status)
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 2, got.Changed, "doc_3 is not recounted as unchanged")

	doc, err := f.store.GetDocument(context.Background(), "doc_4")
	require.NoError(t, err)
	assert.Equal(t, "계약", doc.Category)
}
