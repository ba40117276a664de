package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
)

func TestBackfill_CreateSaveAndListUnfinished(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)
	v, err := s.CreateVersion(ctx, "default", rules.MustParse(meetingRules), testEpoch)
	require.NoError(t, err)

	job := &model.BackfillJob{
		ID:            "bf-1",
		RuleVersionID: v.ID,
		Filter:        model.DocumentFilter{Category: "기타"},
		BatchSize:     50,
		Status:        model.BackfillQueued,
		CreatedAt:     testEpoch,
	}
	require.NoError(t, s.CreateBackfill(ctx, job))

	unfinished, err := s.ListUnfinishedBackfills(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "기타", unfinished[0].Filter.Category)

	job.Status = model.BackfillCompleted
	job.Cursor = "d9"
	job.Processed = 10
	job.Changed = 4
	finished := testEpoch
	job.FinishedAt = &finished
	require.NoError(t, s.SaveBackfill(ctx, job))

	got, err := s.GetBackfill(ctx, "bf-1")
	require.NoError(t, err)
	assert.Equal(t, model.BackfillCompleted, got.Status)
	assert.Equal(t, "d9", got.Cursor)
	assert.Equal(t, 4, got.Changed)

	unfinished, err = s.ListUnfinishedBackfills(ctx)
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	_, err = s.GetBackfill(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
