// Package index is the default search index: one SQLite table next to the
// archive, upserted by the ingest index stage.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/rules"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_index (
    document_id TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL,
    category    TEXT NOT NULL,
    tags        TEXT NOT NULL DEFAULT '[]',
    event_date  TEXT,
    folded      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_index_category ON search_index(category);
`

// ErrNotIndexed is returned by Get for unknown documents.
var ErrNotIndexed = errors.New("document not indexed")

// Hit is one search result.
type Hit struct {
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	EventDate  string   `json:"event_date,omitempty"`
}

// SQLite implements ingest.Indexer over a database handle.
type SQLite struct {
	db *sql.DB
}

// New creates the index table if needed.
func New(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Upsert replaces the entry for e.DocumentID.
func (s *SQLite) Upsert(ctx context.Context, e ingest.IndexEntry) error {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var eventDate sql.NullString
	if e.EventDate != "" {
		eventDate = sql.NullString{String: e.EventDate, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO search_index (document_id, title, body, category, tags, event_date, folded)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			category = excluded.category,
			tags = excluded.tags,
			event_date = excluded.event_date,
			folded = excluded.folded
	`, e.DocumentID, e.Title, e.Body, e.Category, string(tagsJSON), eventDate, rules.Fold(e.Title+"\n"+e.Body))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.DocumentID, err)
	}
	return nil
}

// Get returns the indexed entry for id.
func (s *SQLite) Get(ctx context.Context, id string) (*ingest.IndexEntry, error) {
	var (
		e         ingest.IndexEntry
		tagsJSON  string
		eventDate sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, title, body, category, tags, event_date
		FROM search_index WHERE document_id = ?
	`, id).Scan(&e.DocumentID, &e.Title, &e.Body, &e.Category, &tagsJSON, &eventDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotIndexed)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", id, err)
	}
	e.EventDate = eventDate.String
	return &e, nil
}

// Search returns entries whose title or body contains query (case folded),
// optionally restricted to category, ordered by document id.
func (s *SQLite) Search(ctx context.Context, query, category string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	where := []string{"instr(folded, ?) > 0"}
	args := []any{rules.Fold(strings.TrimSpace(query))}
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, category)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, title, category, tags, event_date
		FROM search_index
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY document_id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var (
			h         Hit
			tagsJSON  string
			eventDate sql.NullString
		)
		if err := rows.Scan(&h.DocumentID, &h.Title, &h.Category, &tagsJSON, &eventDate); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &h.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", h.DocumentID, err)
		}
		h.EventDate = eventDate.String
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
