package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
)

const versionColumns = `rv.id, rv.ruleset_id, rs.name, rv.version_no, rv.rules_json, rv.checksum,
	CASE WHEN rs.active_version_id = rv.id THEN 1 ELSE 0 END,
	rv.created_at, rv.published_at`

// CreateRuleset adds an enabled ruleset with no versions.
// Returns ErrDuplicate when the name is taken.
func (s *Store) CreateRuleset(ctx context.Context, name string, at time.Time) (*model.Ruleset, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rulesets (name, is_active, created_at) VALUES (?, 1, ?)
	`, name, toMillis(at))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create ruleset %q: %w", name, ErrDuplicate)
		}
		return nil, fmt.Errorf("create ruleset %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create ruleset %q: %w", name, err)
	}
	return &model.Ruleset{ID: id, Name: name, IsActive: true, CreatedAt: fromMillis(toMillis(at))}, nil
}

// GetRuleset returns the named ruleset or ErrNotFound.
func (s *Store) GetRuleset(ctx context.Context, name string) (*model.Ruleset, error) {
	rs, err := scanRuleset(s.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, active_version_id, created_at FROM rulesets WHERE name = ?
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get ruleset %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ruleset %q: %w", name, err)
	}
	return rs, nil
}

// ListRulesets returns all rulesets ordered by name.
func (s *Store) ListRulesets(ctx context.Context) ([]model.Ruleset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_active, active_version_id, created_at FROM rulesets ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rulesets: %w", err)
	}
	defer rows.Close()

	out := []model.Ruleset{}
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, fmt.Errorf("list rulesets: %w", err)
		}
		out = append(out, *rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rulesets: %w", err)
	}
	return out, nil
}

// SetRulesetActive enables or disables a whole ruleset. A disabled ruleset
// keeps its active version pointer but ActiveVersion reports none.
func (s *Store) SetRulesetActive(ctx context.Context, name string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rulesets SET is_active = ? WHERE name = ?`, active, name)
	if err != nil {
		return fmt.Errorf("set ruleset active %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set ruleset active %q: %w", name, ErrNotFound)
	}
	return nil
}

// CreateVersion appends an immutable version to the named ruleset.
// version_no is one more than the current maximum; the stored rules are the
// canonical JSON of doc and the checksum is computed over them.
func (s *Store) CreateVersion(ctx context.Context, rulesetName string, doc *rules.Document, at time.Time) (*model.RuleVersion, error) {
	raw, err := doc.Canonical()
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	sum, err := doc.Checksum()
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create version: begin: %w", err)
	}
	defer tx.Rollback()

	var rulesetID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM rulesets WHERE name = ?`, rulesetName).Scan(&rulesetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("create version: ruleset %q: %w", rulesetName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_no), 0) + 1 FROM rule_versions WHERE ruleset_id = ?
	`, rulesetID).Scan(&next); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	id, err := insertVersionTx(ctx, tx, rulesetID, next, string(raw), sum, at, nil)
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create version: commit: %w", err)
	}

	return &model.RuleVersion{
		ID:          id,
		RulesetID:   rulesetID,
		RulesetName: rulesetName,
		VersionNo:   next,
		Rules:       doc,
		RulesJSON:   raw,
		Checksum:    sum,
		CreatedAt:   fromMillis(toMillis(at)),
	}, nil
}

// GetVersion returns the rule version with the given id or ErrNotFound.
func (s *Store) GetVersion(ctx context.Context, id int64) (*model.RuleVersion, error) {
	rv, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM rule_versions rv JOIN rulesets rs ON rs.id = rv.ruleset_id
		WHERE rv.id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get version %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", id, err)
	}
	return rv, nil
}

// ListVersions returns the named ruleset's versions in version_no order.
func (s *Store) ListVersions(ctx context.Context, rulesetName string) ([]model.RuleVersion, error) {
	if _, err := s.GetRuleset(ctx, rulesetName); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM rule_versions rv JOIN rulesets rs ON rs.id = rv.ruleset_id
		WHERE rs.name = ?
		ORDER BY rv.version_no ASC
	`, rulesetName)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []model.RuleVersion{}
	for rows.Next() {
		rv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		out = append(out, *rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

// ActiveVersion returns the version the named ruleset points at.
// Returns ErrNoActiveVersion when the ruleset is disabled or nothing has
// been activated yet.
func (s *Store) ActiveVersion(ctx context.Context, rulesetName string) (*model.RuleVersion, error) {
	rs, err := s.GetRuleset(ctx, rulesetName)
	if err != nil {
		return nil, fmt.Errorf("active version: %w", err)
	}
	if !rs.IsActive || rs.ActiveVersionID == nil {
		return nil, fmt.Errorf("active version %q: %w", rulesetName, ErrNoActiveVersion)
	}
	return s.GetVersion(ctx, *rs.ActiveVersionID)
}

// ActivateVersion makes the version its ruleset's single active version and
// stamps published_at. The pointer swap and the stamp share one transaction.
func (s *Store) ActivateVersion(ctx context.Context, id int64, at time.Time) (*model.RuleVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("activate version: begin: %w", err)
	}
	defer tx.Rollback()

	var rulesetID int64
	err = tx.QueryRowContext(ctx, `SELECT ruleset_id FROM rule_versions WHERE id = ?`, id).Scan(&rulesetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("activate version %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("activate version %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rulesets SET active_version_id = ? WHERE id = ?`, id, rulesetID); err != nil {
		return nil, fmt.Errorf("activate version %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rule_versions SET published_at = ? WHERE id = ?`, toMillis(at), id); err != nil {
		return nil, fmt.Errorf("activate version %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("activate version %d: commit: %w", id, err)
	}
	return s.GetVersion(ctx, id)
}

// ImportRuleset creates a ruleset together with previously exported
// versions, keeping their version numbers, checksums and timestamps. When
// activeNo is positive the version with that number becomes active.
// Returns ErrDuplicate when the name is taken.
func (s *Store) ImportRuleset(ctx context.Context, name string, versions []model.RuleVersion, activeNo int, at time.Time) (*model.Ruleset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("import ruleset: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO rulesets (name, is_active, created_at) VALUES (?, 1, ?)`, name, toMillis(at))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("import ruleset %q: %w", name, ErrDuplicate)
		}
		return nil, fmt.Errorf("import ruleset %q: %w", name, err)
	}
	rulesetID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("import ruleset %q: %w", name, err)
	}

	var activeID *int64
	for _, v := range versions {
		id, err := insertVersionTx(ctx, tx, rulesetID, v.VersionNo, string(v.RulesJSON), v.Checksum, v.CreatedAt, v.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("import ruleset %q: version %d: %w", name, v.VersionNo, err)
		}
		if v.VersionNo == activeNo {
			activeID = &id
		}
	}
	if activeNo > 0 && activeID == nil {
		return nil, fmt.Errorf("import ruleset %q: active version %d not in export", name, activeNo)
	}
	if activeID != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE rulesets SET active_version_id = ? WHERE id = ?`, *activeID, rulesetID); err != nil {
			return nil, fmt.Errorf("import ruleset %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("import ruleset %q: commit: %w", name, err)
	}
	return s.GetRuleset(ctx, name)
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, rulesetID int64, versionNo int, rulesJSON, checksum string, createdAt time.Time, publishedAt *time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO rule_versions (ruleset_id, version_no, rules_json, checksum, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rulesetID, versionNo, rulesJSON, checksum, toMillis(createdAt), nullMillis(publishedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert version %d: %w", versionNo, ErrDuplicate)
		}
		return 0, fmt.Errorf("insert version %d: %w", versionNo, err)
	}
	return res.LastInsertId()
}

func scanRuleset(row rowScanner) (*model.Ruleset, error) {
	var (
		rs        model.Ruleset
		activeID  sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&rs.ID, &rs.Name, &rs.IsActive, &activeID, &createdAt); err != nil {
		return nil, err
	}
	if activeID.Valid {
		id := activeID.Int64
		rs.ActiveVersionID = &id
	}
	rs.CreatedAt = fromMillis(createdAt)
	return &rs, nil
}

func scanVersion(row rowScanner) (*model.RuleVersion, error) {
	var (
		rv          model.RuleVersion
		rulesJSON   string
		createdAt   int64
		publishedAt sql.NullInt64
	)
	err := row.Scan(&rv.ID, &rv.RulesetID, &rv.RulesetName, &rv.VersionNo, &rulesJSON, &rv.Checksum,
		&rv.IsActive, &createdAt, &publishedAt)
	if err != nil {
		return nil, err
	}
	rv.RulesJSON = []byte(rulesJSON)
	rv.CreatedAt = fromMillis(createdAt)
	rv.PublishedAt = timePtr(publishedAt)
	if rv.Rules, err = rules.ParseCanonical(rv.RulesJSON); err != nil {
		return nil, fmt.Errorf("decode rules of version %d: %w", rv.ID, err)
	}
	return &rv, nil
}
