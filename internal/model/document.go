package model

import (
	"slices"
	"time"

	"github.com/roach88/curator/internal/rules"
)

// ReviewStatus is the archive-side review marker on a document.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = "none"
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
)

// Document is an archive record. The pipeline writes only the derived
// fields (Category, Tags, EventDate, ReviewStatus).
type Document struct {
	ID           string       `json:"id"`
	JobID        string       `json:"job_id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Filename     string       `json:"filename,omitempty"`
	BodyText     string       `json:"body_text,omitempty"`
	SourceTags   []string     `json:"source_tags"`
	Category     string       `json:"category"`
	Tags         []string     `json:"tags"`
	EventDate    string       `json:"event_date,omitempty"`
	ReviewStatus ReviewStatus `json:"review_status"`

	// DeclaredEventDate is the date supplied with the submission, if any.
	// EventDate is derived from it or from the configured fields.
	DeclaredEventDate string `json:"declared_event_date,omitempty"`

	// Version counts writes. On a pipeline upsert it carries the version the
	// write was based on (0 for a new document).
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DerivedFields are the values the rule engine computes for a document.
type DerivedFields struct {
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	EventDate string   `json:"event_date,omitempty"`
}

// Derived returns the document's current derived fields.
func (d *Document) Derived() DerivedFields {
	return DerivedFields{Category: d.Category, Tags: d.Tags, EventDate: d.EventDate}
}

// Features rebuilds the evaluator input from the archived fields. Only the
// declared date is passed on, so the event date is derived again.
func (d *Document) Features() rules.Features {
	return rules.Features{
		Title:       d.Title,
		Description: d.Description,
		Filename:    d.Filename,
		Body:        d.BodyText,
		Tags:        d.SourceTags,
		EventDate:   d.DeclaredEventDate,
	}
}

// DerivedFrom projects an evaluator result onto the derived fields.
func DerivedFrom(r rules.Result) DerivedFields {
	return DerivedFields{Category: r.Category, Tags: r.Tags, EventDate: r.EventDate}
}

// ChangedFields returns the names of the fields that differ between f and
// other, in the order category, tags, event_date.
func (f DerivedFields) ChangedFields(other DerivedFields) []string {
	changed := []string{}
	if f.Category != other.Category {
		changed = append(changed, "category")
	}
	if !slices.Equal(f.Tags, other.Tags) {
		changed = append(changed, "tags")
	}
	if f.EventDate != other.EventDate {
		changed = append(changed, "event_date")
	}
	return changed
}

// DocumentFilter selects documents for simulation and backfill.
// Dates compare against event_date (YYYY-MM-DD, inclusive).
type DocumentFilter struct {
	Category   string `json:"category,omitempty"`
	DateFrom   string `json:"date_from,omitempty"`
	DateTo     string `json:"date_to,omitempty"`
	ReviewOnly bool   `json:"review_only,omitempty"`
}

// DocumentPage is a keyset-paginated batch of documents.
type DocumentPage struct {
	Documents []Document
	// NextCursor is the id to pass as AfterID for the next page; empty
	// when the page was the last one.
	NextCursor string
}
