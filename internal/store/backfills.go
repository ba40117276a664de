package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/curator/internal/model"
)

const backfillColumns = `id, rule_version_id, filter, batch_size, status, cursor, processed,
	changed, failed_docs, error, created_at, started_at, finished_at`

// CreateBackfill persists a new backfill job.
func (s *Store) CreateBackfill(ctx context.Context, job *model.BackfillJob) error {
	filter, err := json.Marshal(job.Filter)
	if err != nil {
		return fmt.Errorf("create backfill: marshal filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backfill_jobs (`+backfillColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RuleVersionID, string(filter), job.BatchSize, string(job.Status), job.Cursor,
		job.Processed, job.Changed, job.FailedDocs, job.Error, toMillis(job.CreatedAt),
		nullMillis(job.StartedAt), nullMillis(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("create backfill: %w", err)
	}
	return nil
}

// SaveBackfill writes a backfill job's status, cursor and counters.
func (s *Store) SaveBackfill(ctx context.Context, job *model.BackfillJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_jobs SET
			status = ?, cursor = ?, processed = ?, changed = ?, failed_docs = ?,
			error = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`, string(job.Status), job.Cursor, job.Processed, job.Changed, job.FailedDocs,
		job.Error, nullMillis(job.StartedAt), nullMillis(job.FinishedAt), job.ID)
	if err != nil {
		return fmt.Errorf("save backfill %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save backfill %s: %w", job.ID, ErrNotFound)
	}
	return nil
}

// GetBackfill returns the backfill job with the given id or ErrNotFound.
func (s *Store) GetBackfill(ctx context.Context, id string) (*model.BackfillJob, error) {
	job, err := scanBackfill(s.db.QueryRowContext(ctx, `SELECT `+backfillColumns+` FROM backfill_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get backfill %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill %s: %w", id, err)
	}
	return job, nil
}

// ListUnfinishedBackfills returns queued and running backfills, oldest first.
func (s *Store) ListUnfinishedBackfills(ctx context.Context) ([]model.BackfillJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+backfillColumns+` FROM backfill_jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished backfills: %w", err)
	}
	defer rows.Close()

	out := []model.BackfillJob{}
	for rows.Next() {
		job, err := scanBackfill(rows)
		if err != nil {
			return nil, fmt.Errorf("list unfinished backfills: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished backfills: %w", err)
	}
	return out, nil
}

func scanBackfill(row rowScanner) (*model.BackfillJob, error) {
	var (
		job                   model.BackfillJob
		filter, status        string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.RuleVersionID, &filter, &job.BatchSize, &status, &job.Cursor,
		&job.Processed, &job.Changed, &job.FailedDocs, &job.Error, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filter), &job.Filter); err != nil {
		return nil, fmt.Errorf("unmarshal backfill filter: %w", err)
	}
	job.Status = model.BackfillStatus(status)
	job.CreatedAt = fromMillis(createdAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}
