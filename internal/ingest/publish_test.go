package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
)

const renamedMeetingRules = `{
  "default_category": "기타",
  "category_rules": [
    {"category": "미팅", "keywords": {"title": ["회의"], "body": ["안건"]}, "auto_tags": ["meeting"]}
  ]
}`

// publishAndForceRequeue publishes the meeting submission once and puts the
// job back at STORED, so the next run republishes an existing document.
func publishAndForceRequeue(t *testing.T, h *harness) *model.IngestJob {
	t.Helper()
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	doc, err := h.store.GetDocument(ctx, DocumentID(job.ID))
	require.NoError(t, err)
	require.Equal(t, "회의", doc.Category)
	require.Equal(t, int64(1), doc.Version)

	_, err = h.svc.Requeue(ctx, job.ID, RequeueOptions{Force: true})
	require.NoError(t, err)
	return job
}

func TestPublish_ReclassifiesWhenBackfillWroteAfterClassify(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()
	job := publishAndForceRequeue(t, h)
	docID := DocumentID(job.ID)

	// Between classify and publish a new version is activated and backfilled.
	fired := false
	h.indexer.onUpsert = func(ctx context.Context, e IndexEntry) {
		if fired {
			return
		}
		fired = true
		v, err := h.store.CreateVersion(ctx, DefaultRuleset, rules.MustParse(renamedMeetingRules), testEpoch)
		require.NoError(t, err)
		_, err = h.store.ActivateVersion(ctx, v.ID, testEpoch)
		require.NoError(t, err)
		_, err = h.store.UpdateDerived(ctx, docID, 1, model.DerivedFields{
			Category: "미팅", Tags: []string{"meeting", "project:alpha"},
		}, testEpoch)
		require.NoError(t, err)
	}

	_, err := h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePublished, final.State)
	assert.Equal(t, 0, final.AttemptCount)
	assert.Equal(t, int64(2), final.DocumentVersion)
	assert.Equal(t, "미팅", final.Classification.Category)

	doc, err := h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "미팅", doc.Category, "publication must not restore the pre-backfill category")
	assert.Equal(t, int64(3), doc.Version)

	entry, ok := h.indexer.entry(docID)
	require.True(t, ok)
	assert.Equal(t, "미팅", entry.Category)

	events, err := h.svc.Events(ctx, job.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.StatePublished, last.ToState)
	assert.Equal(t, true, last.Payload["reclassified"])
}

func TestPublish_VersionConflictAtCommitRetries(t *testing.T) {
	h := newHarness(t, meetingRules)
	clock := &hookClock{FakeClock: h.clock}
	h.svc.clock = clock
	ctx := context.Background()
	job := publishAndForceRequeue(t, h)
	docID := DocumentID(job.ID)

	// The write lands after publish read the document but before it commits.
	armed := false
	h.notifier.on = func(n Notification) {
		if n.To != model.StateIndexed || armed {
			return
		}
		armed = true
		clock.arm(func() {
			_, err := h.store.UpdateDerived(ctx, docID, 1, model.DerivedFields{Category: "보류", Tags: []string{}}, testEpoch)
			require.NoError(t, err)
		})
	}

	_, err := h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	waiting, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIndexed, waiting.State)
	assert.Equal(t, 1, waiting.AttemptCount)
	assert.Equal(t, string(CodeDocumentConflict), waiting.LastErrorCode)

	doc, err := h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "보류", doc.Category)
	assert.Equal(t, int64(2), doc.Version)

	events, err := h.svc.Events(ctx, job.ID)
	require.NoError(t, err)
	retry := events[len(events)-1]
	assert.Equal(t, model.EventRetryScheduled, retry.EventType)
	assert.Equal(t, string(CodeDocumentConflict), retry.Payload["code"])

	h.clock.Advance(time.Minute)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePublished, final.State)

	doc, err = h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "회의", doc.Category)
	assert.Equal(t, int64(3), doc.Version)
}

func TestPublish_StoresDeclaredEventDate(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()

	sub := meetingSubmission()
	sub.EventDate = "2026-02-27"
	sub.Filename = "2026-01-01-minutes.txt"
	job, err := h.svc.Submit(ctx, sub)
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	doc, err := h.store.GetDocument(ctx, DocumentID(job.ID))
	require.NoError(t, err)
	assert.Equal(t, "2026-02-27", doc.EventDate)
	assert.Equal(t, "2026-02-27", doc.DeclaredEventDate)
	assert.Equal(t, "2026-02-27", doc.Features().EventDate)
}
