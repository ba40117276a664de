package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/curator/internal/model"
)

func TestInsertDocument_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	doc := newTestDocument("d1", "회의")
	doc.EventDate = "2026-02-14"
	doc.DeclaredEventDate = "2026-02-14"
	doc.SourceTags = []string{"project:alpha"}
	require.NoError(t, s.InsertDocument(ctx, doc, testEpoch))

	got, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "회의", got.Category)
	assert.Equal(t, "2026-02-14", got.EventDate)
	assert.Equal(t, "2026-02-14", got.DeclaredEventDate)
	assert.Equal(t, []string{"project:alpha"}, got.SourceTags)
	assert.Equal(t, model.ReviewNone, got.ReviewStatus)
	assert.Equal(t, int64(1), got.Version)

	err = s.InsertDocument(ctx, newTestDocument("d1", "x"), testEpoch)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestUpdateDerived_OptimisticLock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertDocument(ctx, newTestDocument("d1", "기타"), testEpoch))

	fields := model.DerivedFields{Category: "회의", Tags: []string{"meeting"}, EventDate: "2026-01-02"}
	v, err := s.UpdateDerived(ctx, "d1", 1, fields, testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.UpdateDerived(ctx, "d1", 1, fields, testEpoch.Add(2*time.Second))
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.UpdateDerived(ctx, "missing", 1, fields, testEpoch)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, fields, got.Derived())
	assert.Equal(t, int64(2), got.Version)
}

func TestListDocuments_KeysetPagination(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertDocument(ctx, newTestDocument(fmt.Sprintf("d%d", i), "기타"), testEpoch))
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ListDocuments(ctx, model.DocumentFilter{}, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, d := range page.Documents {
			seen = append(seen, d.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"d0", "d1", "d2", "d3", "d4"}, seen)
	assert.Equal(t, 3, pages)
}

func TestListDocuments_Filter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := newTestDocument("a", "회의")
	a.EventDate = "2026-01-10"
	b := newTestDocument("b", "회의")
	b.EventDate = "2026-03-01"
	b.ReviewStatus = model.ReviewPending
	c := newTestDocument("c", "기타")
	for _, d := range []*model.Document{a, b, c} {
		require.NoError(t, s.InsertDocument(ctx, d, testEpoch))
	}

	cases := []struct {
		name   string
		filter model.DocumentFilter
		want   []string
	}{
		{"category", model.DocumentFilter{Category: "회의"}, []string{"a", "b"}},
		{"date range inclusive", model.DocumentFilter{DateFrom: "2026-01-10", DateTo: "2026-02-28"}, []string{"a"}},
		{"date excludes undated", model.DocumentFilter{DateFrom: "2000-01-01"}, []string{"a", "b"}},
		{"review only", model.DocumentFilter{ReviewOnly: true}, []string{"b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := s.ListDocuments(ctx, tc.filter, "", 10)
			require.NoError(t, err)
			var ids []string
			for _, d := range page.Documents {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, tc.want, ids)

			n, err := s.CountDocuments(ctx, tc.filter)
			require.NoError(t, err)
			assert.Equal(t, len(tc.want), n)
		})
	}
}

func TestSetReviewStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	doc := newTestDocument("d1", "기타")
	doc.ReviewStatus = model.ReviewPending
	require.NoError(t, s.InsertDocument(ctx, doc, testEpoch))

	require.NoError(t, s.SetReviewStatus(ctx, "d1", model.ReviewApproved, testEpoch))
	got, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, got.ReviewStatus)
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, s.SetReviewStatus(ctx, "nope", model.ReviewApproved, testEpoch), ErrNotFound)
}
