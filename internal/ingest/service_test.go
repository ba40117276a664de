package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/store"
)

func TestSubmit_ThenDrainPublishes(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	assert.Equal(t, "job-0001", job.ID)
	assert.Equal(t, model.StateReceived, job.State)

	n, err := h.svc.Drain(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	status, err := h.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePublished, status.State)
	assert.True(t, status.Terminal)
	assert.True(t, status.Success)
	assert.False(t, status.DeadLetter)
	assert.Equal(t, "doc_job-0001", status.DocumentID)
	assert.Equal(t, 0, status.AttemptCount)
	assert.Empty(t, status.LeaseOwner)
	require.NotNil(t, status.FinishedAt)

	doc, err := h.store.GetDocument(ctx, "doc_job-0001")
	require.NoError(t, err)
	assert.Equal(t, "회의", doc.Category)
	assert.Equal(t, []string{"meeting", "project:alpha"}, doc.Tags)
	assert.Equal(t, model.ReviewNone, doc.ReviewStatus)
	assert.Equal(t, "이번 주 안건 정리", doc.BodyText)

	entry, ok := h.indexer.entries["doc_job-0001"]
	require.True(t, ok)
	assert.Equal(t, "회의", entry.Category)
}

func TestTransitions_OneEventEach(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	events, err := h.svc.Events(ctx, job.ID)
	require.NoError(t, err)

	want := []model.JobState{
		model.StateReceived, model.StateStored, model.StateExtracted,
		model.StateClassified, model.StateIndexed, model.StatePublished,
	}
	require.Len(t, events, len(want))
	assert.Nil(t, events[0].FromState)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, want[i], ev.ToState)
		if i > 0 {
			require.NotNil(t, ev.FromState)
			assert.Equal(t, want[i-1], *ev.FromState)
		}
	}

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(events)), final.EventSeq)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.sent, len(events))
	assert.Equal(t, model.StatePublished, h.notifier.sent[len(events)-1].To)
}

func TestSubmit_MeetingVersusDefaultCategory(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()

	meeting := meetingSubmission()
	other := Submission{Source: "manual", Filename: "receipt.txt", Content: []byte("영수증"), Title: "3월 영수증"}

	j1, err := h.svc.Submit(ctx, meeting)
	require.NoError(t, err)
	j2, err := h.svc.Submit(ctx, other)
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	d1, err := h.store.GetDocument(ctx, DocumentID(j1.ID))
	require.NoError(t, err)
	d2, err := h.store.GetDocument(ctx, DocumentID(j2.ID))
	require.NoError(t, err)
	assert.Equal(t, "회의", d1.Category)
	assert.Equal(t, "기타", d2.Category)
}

func TestSubmit_DuplicateSourceRefRejected(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()

	first, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, meetingSubmission())
	require.Error(t, err)
	var dup *store.DuplicateJobError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.ID, dup.ExistingJobID)

	jobs, total, err := h.svc.List(ctx, model.JobFilter{SourceRef: "load:1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, jobs, 1)

	// Still rejected once the first job is published.
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, meetingSubmission())
	assert.True(t, store.IsDuplicate(err))
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, meetingRules, WithMaxPayloadBytes(8))
	ctx := context.Background()

	cases := []struct {
		name  string
		sub   Submission
		field string
	}{
		{"unknown source", Submission{Source: "email", Filename: "a.txt", Content: []byte("x")}, "source"},
		{"missing filename", Submission{Source: "api", Filename: "  ", Content: []byte("x")}, "filename"},
		{"empty content", Submission{Source: "api", Filename: "a.txt"}, "content"},
		{"too large", Submission{Source: "api", Filename: "a.txt", Content: []byte("123456789")}, "content"},
		{"blank tag", Submission{Source: "api", Filename: "a.txt", Content: []byte("x"), Tags: []string{" "}}, "tags"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Submit(ctx, tc.sub)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, total, err := h.svc.List(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total, "rejected submissions leave no rows")
}

func TestNormalizeMimeType(t *testing.T) {
	assert.Equal(t, "text/html", normalizeMimeType("text/html; charset=utf-8", "a.bin"))
	assert.Equal(t, "text/markdown", normalizeMimeType("text/markdown", "a.txt"))
	assert.Equal(t, "application/octet-stream", normalizeMimeType("", "noext"))
	assert.Equal(t, "text/html", normalizeMimeType("", "INDEX.HTML"))
}

func TestClassify_ReviewNeededCreatesPendingDocument(t *testing.T) {
	h := newHarness(t, `{"default_category": "기타", "review_on_default": true}`)
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, Submission{Source: "wiki", Filename: "page.txt", Content: []byte("본문"), Title: "무제"})
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	status, err := h.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedsReview, status.State)
	assert.True(t, status.Terminal)
	assert.False(t, status.Success)
	assert.Equal(t, DocumentID(job.ID), status.DocumentID)
	assert.Equal(t, model.StateExtracted, status.ResumeState)
	require.NotNil(t, status.Classification)
	assert.True(t, status.Classification.ReviewNeeded)

	doc, err := h.store.GetDocument(ctx, status.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, doc.ReviewStatus)
	assert.Equal(t, "기타", doc.Category)

	events, err := h.svc.Events(ctx, job.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventReviewRequired, last.EventType)
	assert.Equal(t, "no_rule_matched", last.Message)
}

func TestTransientFailure_ExhaustsToDeadLetter(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()
	h.indexer.setErr(errors.New("connection refused"))

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := h.svc.RunOnce(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ran, "attempt %d should find the job ready", attempt)

		got, err := h.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.AttemptCount)
		assert.Equal(t, string(CodeIndexUnavailable), got.LastErrorCode)
		assert.LessOrEqual(t, got.AttemptCount, got.MaxAttempts)

		if attempt < 3 {
			assert.Equal(t, model.StateClassified, got.State)
			require.NotNil(t, got.RetryAfter)
			assert.Equal(t, h.clock.Now().Add(h.svc.retry.Delay(attempt)), *got.RetryAfter)

			// Not claimable before retry_after.
			ran, err := h.svc.RunOnce(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ran)

			h.clock.Set(*got.RetryAfter)
		}
	}

	final, err := h.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, final.State)
	assert.Equal(t, final.MaxAttempts, final.AttemptCount)
	assert.True(t, final.DeadLetter)
	assert.Nil(t, final.RetryAfter)

	events, err := h.svc.Events(ctx, job.ID)
	require.NoError(t, err)
	var retries int
	for _, ev := range events {
		if ev.EventType == model.EventRetryScheduled {
			retries++
			require.NotNil(t, ev.FromState)
			assert.Equal(t, *ev.FromState, ev.ToState)
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, model.EventFailed, events[len(events)-1].EventType)
	assert.Equal(t, true, events[len(events)-1].Payload["dead_letter"])
}

func TestPermanentFailure_DoesNotConsumeAttempts(t *testing.T) {
	h := newHarness(t, meetingRules)
	ctx := context.Background()
	h.extractor.fn = func(context.Context, []byte) (Extraction, error) {
		return Extraction{}, Permanent(CodeCorrupt, "truncated archive", nil)
	}

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	got, err := h.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, got.State)
	assert.Equal(t, 0, got.AttemptCount)
	assert.False(t, got.DeadLetter)
	assert.Equal(t, string(CodeCorrupt), got.LastErrorCode)
	assert.Equal(t, model.StateStored, got.ResumeState)
}

func TestStageTimeout_IsTransient(t *testing.T) {
	h := newHarness(t, meetingRules, WithStageTimeout(20*time.Millisecond))
	ctx := context.Background()
	h.extractor.fn = func(ctx context.Context, _ []byte) (Extraction, error) {
		<-ctx.Done()
		return Extraction{}, ctx.Err()
	}

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateStored, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, string(CodeStageTimeout), got.LastErrorCode)
	assert.NotNil(t, got.RetryAfter)
}

func TestClassify_NoActiveRulesIsTransient(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, meetingSubmission())
	require.NoError(t, err)
	_, err = h.svc.Drain(ctx, "w1")
	require.NoError(t, err)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExtracted, got.State)
	assert.Equal(t, string(CodeRulesUnavailable), got.LastErrorCode)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestClassifyError(t *testing.T) {
	se := classifyError(StageIndex, errors.New("boom"))
	assert.Equal(t, CodeInternal, se.Code)
	assert.Equal(t, KindTransient, se.Kind)
	assert.Equal(t, StageIndex, se.Stage)

	se = classifyError(StageExtract, context.DeadlineExceeded)
	assert.Equal(t, CodeStageTimeout, se.Code)

	wrapped := errors.Join(errors.New("ctx"), Permanent(CodeUnsupportedFormat, "application/zip", nil))
	se = classifyError(StageExtract, wrapped)
	assert.Equal(t, CodeUnsupportedFormat, se.Code)
	assert.Equal(t, KindPermanent, se.Kind)
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
}
