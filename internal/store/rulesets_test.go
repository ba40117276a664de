package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
)

const meetingRules = `{
  "default_category": "기타",
  "category_rules": [
    {"category": "회의", "keywords": {"title": ["회의"]}}
  ]
}`

func TestCreateRuleset_DuplicateName(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rs, err := s.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)
	assert.True(t, rs.IsActive)
	assert.Nil(t, rs.ActiveVersionID)

	_, err = s.CreateRuleset(ctx, "default", testEpoch)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateVersion_MonotonicNumbersAndChecksum(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)

	doc := rules.MustParse(meetingRules)
	v1, err := s.CreateVersion(ctx, "default", doc, testEpoch)
	require.NoError(t, err)
	v2, err := s.CreateVersion(ctx, "default", doc, testEpoch.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, v1.VersionNo)
	assert.Equal(t, 2, v2.VersionNo)
	assert.Equal(t, v1.Checksum, v2.Checksum, "identical rules hash identically")

	want, err := doc.Checksum()
	require.NoError(t, err)
	assert.Equal(t, want, v1.Checksum)

	got, err := s.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "default", got.RulesetName)
	assert.Equal(t, "기타", got.Rules.DefaultCategory)
	assert.False(t, got.IsActive)

	_, err = s.CreateVersion(ctx, "missing", doc, testEpoch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivateVersion_SingleActivePointer(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)

	_, err = s.ActiveVersion(ctx, "default")
	assert.ErrorIs(t, err, ErrNoActiveVersion)

	doc := rules.MustParse(meetingRules)
	v1, err := s.CreateVersion(ctx, "default", doc, testEpoch)
	require.NoError(t, err)
	v2, err := s.CreateVersion(ctx, "default", doc, testEpoch)
	require.NoError(t, err)

	activated, err := s.ActivateVersion(ctx, v1.ID, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	require.NotNil(t, activated.PublishedAt)

	_, err = s.ActivateVersion(ctx, v2.ID, testEpoch.Add(2*time.Minute))
	require.NoError(t, err)

	versions, err := s.ListVersions(ctx, "default")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, active)

	// published_at survives deactivation.
	assert.NotNil(t, versions[0].PublishedAt)

	current, err := s.ActiveVersion(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, current.ID)

	_, err = s.ActivateVersion(ctx, 999, testEpoch)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRulesetActive_DisablesActiveVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateRuleset(ctx, "default", testEpoch)
	require.NoError(t, err)
	v, err := s.CreateVersion(ctx, "default", rules.MustParse(meetingRules), testEpoch)
	require.NoError(t, err)
	_, err = s.ActivateVersion(ctx, v.ID, testEpoch)
	require.NoError(t, err)

	require.NoError(t, s.SetRulesetActive(ctx, "default", false))
	_, err = s.ActiveVersion(ctx, "default")
	assert.ErrorIs(t, err, ErrNoActiveVersion)

	require.NoError(t, s.SetRulesetActive(ctx, "default", true))
	got, err := s.ActiveVersion(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)

	assert.ErrorIs(t, s.SetRulesetActive(ctx, "missing", true), ErrNotFound)
}

func TestImportRuleset_PreservesVersions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	doc := rules.MustParse(meetingRules)
	raw, err := doc.Canonical()
	require.NoError(t, err)
	sum, err := doc.Checksum()
	require.NoError(t, err)
	published := testEpoch.Add(time.Hour)

	versions := []model.RuleVersion{
		{VersionNo: 1, RulesJSON: raw, Checksum: sum, CreatedAt: testEpoch},
		{VersionNo: 3, RulesJSON: raw, Checksum: sum, CreatedAt: testEpoch, PublishedAt: &published},
	}
	rs, err := s.ImportRuleset(ctx, "imported", versions, 3, testEpoch)
	require.NoError(t, err)
	require.NotNil(t, rs.ActiveVersionID)

	active, err := s.ActiveVersion(ctx, "imported")
	require.NoError(t, err)
	assert.Equal(t, 3, active.VersionNo)

	next, err := s.CreateVersion(ctx, "imported", doc, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 4, next.VersionNo)

	_, err = s.ImportRuleset(ctx, "imported", versions, 0, testEpoch)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.ImportRuleset(ctx, "other", versions, 2, testEpoch)
	assert.Error(t, err)
	_, err = s.GetRuleset(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound, "failed import must not leave a ruleset behind")
}
