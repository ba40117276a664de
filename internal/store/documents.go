package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/curator/internal/model"
)

const documentColumns = `id, job_id, title, description, filename, body_text, source_tags,
	category, tags, event_date, review_status, version, created_at, updated_at, declared_event_date`

// GetDocument returns the document with the given id or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

// InsertDocument adds a document to the archive with version 1.
// Returns ErrDuplicate when the id is taken.
func (s *Store) InsertDocument(ctx context.Context, doc *model.Document, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert document: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocumentTx(ctx, tx, doc, at); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert document %s: %w", doc.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert document %s: %w", doc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert document: commit: %w", err)
	}
	return nil
}

// ListDocuments returns up to limit documents matching filter with id greater
// than after, ordered by id. NextCursor is empty on the last page.
func (s *Store) ListDocuments(ctx context.Context, filter model.DocumentFilter, after string, limit int) (model.DocumentPage, error) {
	if limit <= 0 {
		limit = 200
	}
	clause, args := documentFilterClause(filter)
	clause = appendCondition(clause, "id > ?")
	args = append(args, after)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents`+clause+` ORDER BY id ASC LIMIT ?`,
		append(args, limit+1)...)
	if err != nil {
		return model.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	page := model.DocumentPage{Documents: []model.Document{}}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return model.DocumentPage{}, fmt.Errorf("list documents: %w", err)
		}
		page.Documents = append(page.Documents, *doc)
	}
	if err := rows.Err(); err != nil {
		return model.DocumentPage{}, fmt.Errorf("list documents: %w", err)
	}

	if len(page.Documents) > limit {
		page.Documents = page.Documents[:limit]
		page.NextCursor = page.Documents[limit-1].ID
	}
	return page, nil
}

// CountDocuments returns the number of documents matching filter.
func (s *Store) CountDocuments(ctx context.Context, filter model.DocumentFilter) (int, error) {
	clause, args := documentFilterClause(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+clause, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// UpdateDerived overwrites a document's category, tags and event date if its
// version still equals expected. Returns the new version, or
// ErrVersionConflict when another writer updated the document first.
func (s *Store) UpdateDerived(ctx context.Context, id string, expected int64, fields model.DerivedFields, at time.Time) (int64, error) {
	tags, err := marshalTags(fields.Tags)
	if err != nil {
		return 0, fmt.Errorf("update document %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET category = ?, tags = ?, event_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, fields.Category, tags, nullString(fields.EventDate), toMillis(at), id, expected)
	if err != nil {
		return 0, fmt.Errorf("update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update document %s: %w", id, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("update document %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("update document %s: %w", id, ErrVersionConflict)
	}
	return expected + 1, nil
}

// SetReviewStatus records a reviewer decision on a document.
func (s *Store) SetReviewStatus(ctx context.Context, id string, status model.ReviewStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET review_status = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(status), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("set review status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set review status %s: %w", id, ErrNotFound)
	}
	return nil
}

// upsertDocumentTx creates the document or rewrites its content and derived
// fields, bumping the version. doc.Version must equal the stored version (0
// when the document should not exist yet), else ErrVersionConflict is
// returned and nothing is written. An empty ReviewStatus keeps the stored value.
func upsertDocumentTx(ctx context.Context, tx *sql.Tx, doc *model.Document, at time.Time) error {
	var (
		version   int64
		createdAt int64
		review    string
	)
	err := tx.QueryRowContext(ctx, `SELECT version, created_at, review_status FROM documents WHERE id = ?`, doc.ID).
		Scan(&version, &createdAt, &review)
	if errors.Is(err, sql.ErrNoRows) {
		if doc.Version != 0 {
			return fmt.Errorf("upsert document %s: based on version %d, document is gone: %w", doc.ID, doc.Version, ErrVersionConflict)
		}
		return insertDocumentTx(ctx, tx, doc, at)
	}
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	if version != doc.Version {
		return fmt.Errorf("upsert document %s: based on version %d, stored %d: %w", doc.ID, doc.Version, version, ErrVersionConflict)
	}

	if doc.ReviewStatus == "" {
		doc.ReviewStatus = model.ReviewStatus(review)
	}
	sourceTags, err := marshalTags(doc.SourceTags)
	if err != nil {
		return err
	}
	tags, err := marshalTags(doc.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET
			job_id = ?, title = ?, description = ?, filename = ?, body_text = ?, source_tags = ?,
			category = ?, tags = ?, event_date = ?, review_status = ?, version = ?, updated_at = ?,
			declared_event_date = ?
		WHERE id = ? AND version = ?
	`, nullString(doc.JobID), doc.Title, doc.Description, doc.Filename, doc.BodyText, sourceTags,
		doc.Category, tags, nullString(doc.EventDate), string(doc.ReviewStatus), version+1, toMillis(at),
		doc.DeclaredEventDate, doc.ID, version)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	doc.Version = version + 1
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = at
	return nil
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, doc *model.Document, at time.Time) error {
	if doc.ReviewStatus == "" {
		doc.ReviewStatus = model.ReviewNone
	}
	sourceTags, err := marshalTags(doc.SourceTags)
	if err != nil {
		return err
	}
	tags, err := marshalTags(doc.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, doc.ID, nullString(doc.JobID), doc.Title, doc.Description, doc.Filename, doc.BodyText, sourceTags,
		doc.Category, tags, nullString(doc.EventDate), string(doc.ReviewStatus), toMillis(at), toMillis(at),
		doc.DeclaredEventDate)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	doc.Version = 1
	doc.CreatedAt = at
	doc.UpdatedAt = at
	return nil
}

func documentFilterClause(f model.DocumentFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.DateFrom != "" {
		where = append(where, "event_date IS NOT NULL AND event_date >= ?")
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		where = append(where, "event_date IS NOT NULL AND event_date <= ?")
		args = append(args, f.DateTo)
	}
	if f.ReviewOnly {
		where = append(where, "review_status = ?")
		args = append(args, string(model.ReviewPending))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func appendCondition(clause, cond string) string {
	if clause == "" {
		return " WHERE " + cond
	}
	return clause + " AND " + cond
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		doc                  model.Document
		jobID, eventDate     sql.NullString
		sourceTags, tags     string
		review               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&doc.ID, &jobID, &doc.Title, &doc.Description, &doc.Filename, &doc.BodyText, &sourceTags,
		&doc.Category, &tags, &eventDate, &review, &doc.Version, &createdAt, &updatedAt, &doc.DeclaredEventDate)
	if err != nil {
		return nil, err
	}
	doc.JobID = jobID.String
	doc.EventDate = eventDate.String
	doc.ReviewStatus = model.ReviewStatus(review)
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)
	if doc.SourceTags, err = unmarshalTags(sourceTags); err != nil {
		return nil, err
	}
	if doc.Tags, err = unmarshalTags(tags); err != nil {
		return nil, err
	}
	return &doc, nil
}
