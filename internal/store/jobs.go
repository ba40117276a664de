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

const jobColumns = `id, source, source_ref, state, resume_state, attempt_count, max_attempts,
	last_error_code, last_error_message, retry_after, received_at, started_at, finished_at,
	document_id, event_seq, lease_owner, lease_until, storage_ref, features, classification,
	document_version`

// nonTerminal matches jobs a worker may still advance.
const nonTerminal = `state NOT IN ('PUBLISHED', 'FAILED', 'NEEDS_REVIEW')`

// Transition describes one job state change. ApplyTransition writes it as a
// single transaction: one ingest_events row plus the updated job row.
type Transition struct {
	JobID string
	From  model.JobState
	To    model.JobState
	At    time.Time

	EventType    string
	Message      string
	EventPayload map[string]any

	// LeaseOwner, when set, must still hold the job's lease.
	LeaseOwner string

	// Check runs against the job as read inside the transaction. A non-nil
	// error aborts the transition and is returned unchanged.
	Check func(job *model.IngestJob) error

	// Mutate applies bookkeeping changes (attempts, errors, lease, results).
	Mutate func(job *model.IngestJob)

	// Document, when set, is created or updated in the same transaction.
	// An empty ReviewStatus keeps the stored value on update.
	Document *model.Document

	// ReplacePayload, when set, overwrites the job's payload row.
	ReplacePayload *model.IngestPayload
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateJob inserts a new job, its payload and the initial "received" event.
//
// When the job carries a source_ref that is already live for the same source
// (any job not FAILED or NEEDS_REVIEW), no rows are written and a
// *DuplicateJobError naming the existing job is returned.
func (s *Store) CreateJob(ctx context.Context, job *model.IngestJob, payload *model.IngestPayload, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create job: begin: %w", err)
	}
	defer tx.Rollback()

	if job.SourceRef != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM ingest_jobs
			WHERE source = ? AND source_ref = ? AND state NOT IN ('FAILED', 'NEEDS_REVIEW')
			ORDER BY received_at DESC
			LIMIT 1
		`, string(job.Source), job.SourceRef).Scan(&existing)
		switch {
		case err == nil:
			return &DuplicateJobError{Source: string(job.Source), SourceRef: job.SourceRef, ExistingJobID: existing}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("create job: dedupe check: %w", err)
		}
	}

	job.EventSeq = 1
	if err := insertJobTx(ctx, tx, job); err != nil {
		if isUniqueViolation(err) {
			return &DuplicateJobError{Source: string(job.Source), SourceRef: job.SourceRef}
		}
		return fmt.Errorf("create job: %w", err)
	}

	payload.JobID = job.ID
	if err := insertPayloadTx(ctx, tx, payload); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	ev := model.IngestEvent{
		JobID:      job.ID,
		Seq:        1,
		ToState:    job.State,
		EventType:  model.EventReceived,
		Message:    message,
		Payload:    map[string]any{"source": string(job.Source)},
		OccurredAt: job.ReceivedAt,
	}
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create job: commit: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.IngestJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first, and the total
// number of matches ignoring limit and offset.
func (s *Store) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.IngestJob, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.SourceRef != "" {
		where = append(where, "source_ref = ?")
		args = append(args, filter.SourceRef)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("list jobs: count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM ingest_jobs` + clause +
		` ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.IngestJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// CountJobsByState returns the number of jobs in each state.
// States with no jobs are omitted.
func (s *Store) CountJobsByState(ctx context.Context) (map[model.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM ingest_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		counts[model.JobState(state)] = n
	}
	return counts, rows.Err()
}

// ListEvents returns a job's transition log in sequence order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]model.IngestEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, from_state, to_state, event_type, message, payload, occurred_at
		FROM ingest_events
		WHERE job_id = ?
		ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []model.IngestEvent{}
	for rows.Next() {
		var (
			ev         model.IngestEvent
			from       sql.NullString
			to         string
			payload    string
			occurredAt int64
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &from, &to, &ev.EventType, &ev.Message, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		if from.Valid {
			st := model.JobState(from.String)
			ev.FromState = &st
		}
		ev.ToState = model.JobState(to)
		ev.OccurredAt = fromMillis(occurredAt)
		if ev.Payload, err = unmarshalEventPayload(payload); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// GetPayload returns the payload submitted with a job.
func (s *Store) GetPayload(ctx context.Context, jobID string) (*model.IngestPayload, error) {
	var (
		p          model.IngestPayload
		tags       string
		replacedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, filename, mime_type, content, checksum, title, description, caption, tags, event_date, replaced_at
		FROM ingest_payloads WHERE job_id = ?
	`, jobID).Scan(&p.JobID, &p.Filename, &p.MimeType, &p.Content, &p.Checksum,
		&p.Title, &p.Description, &p.Caption, &tags, &p.EventDate, &replacedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get payload %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", jobID, err)
	}
	if p.Tags, err = unmarshalTags(tags); err != nil {
		return nil, fmt.Errorf("get payload %s: %w", jobID, err)
	}
	p.ReplacedAt = timePtr(replacedAt)
	return &p, nil
}

// ClaimNext leases the oldest runnable job to owner until now+lease.
// A job is runnable when it is non-terminal, its retry_after has passed and
// no other worker holds a live lease. Returns nil, nil when nothing is ready.
//
// Selection and lease happen in one UPDATE statement so two workers can
// never claim the same job.
func (s *Store) ClaimNext(ctx context.Context, owner string, now time.Time, lease time.Duration) (*model.IngestJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim job: begin: %w", err)
	}
	defer tx.Rollback()

	nowMs := toMillis(now)
	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET lease_owner = ?, lease_until = ?, started_at = COALESCE(started_at, ?), retry_after = NULL
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE `+nonTerminal+`
			  AND (retry_after IS NULL OR retry_after <= ?)
			  AND (lease_until IS NULL OR lease_until <= ?)
			ORDER BY COALESCE(retry_after, received_at) ASC, received_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id
	`, owner, toMillis(now.Add(lease)), nowMs, nowMs, nowMs).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim job: commit: %w", err)
	}
	return job, nil
}

// NextRetryAt returns the earliest future retry_after among waiting jobs,
// or nil when no job is waiting on a backoff.
func (s *Store) NextRetryAt(ctx context.Context, now time.Time) (*time.Time, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(retry_after) FROM ingest_jobs
		WHERE `+nonTerminal+` AND retry_after > ?
	`, toMillis(now)).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next retry: %w", err)
	}
	return timePtr(next), nil
}

// ApplyTransition performs one job state change atomically and returns the
// updated job and the appended event.
func (s *Store) ApplyTransition(ctx context.Context, tr Transition) (*model.IngestJob, *model.IngestEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("apply transition: begin: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = ?`, tr.JobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, err)
	}

	if job.State != tr.From {
		return nil, nil, fmt.Errorf("apply transition %s: expected %s, found %s: %w", tr.JobID, tr.From, job.State, ErrStateConflict)
	}
	if tr.LeaseOwner != "" && job.LeaseOwner != tr.LeaseOwner {
		return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, ErrLeaseLost)
	}
	if tr.Check != nil {
		if err := tr.Check(job); err != nil {
			return nil, nil, err
		}
	}

	from := job.State
	job.State = tr.To
	if tr.To.IsTerminal() {
		at := tr.At
		job.FinishedAt = &at
		job.RetryAfter = nil
		job.LeaseOwner = ""
		job.LeaseUntil = nil
	} else {
		job.ResumeState = tr.To
	}
	if tr.Mutate != nil {
		tr.Mutate(job)
	}
	job.EventSeq++

	ev := model.IngestEvent{
		JobID:      job.ID,
		Seq:        job.EventSeq,
		FromState:  &from,
		ToState:    tr.To,
		EventType:  tr.EventType,
		Message:    tr.Message,
		Payload:    tr.EventPayload,
		OccurredAt: tr.At,
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if err := insertEventTx(ctx, tx, ev); err != nil {
		return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, err)
	}

	if tr.Document != nil {
		if err := upsertDocumentTx(ctx, tx, tr.Document, tr.At); err != nil {
			return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, err)
		}
	}
	if tr.ReplacePayload != nil {
		tr.ReplacePayload.JobID = job.ID
		if err := replacePayloadTx(ctx, tx, tr.ReplacePayload, tr.At); err != nil {
			return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, err)
		}
	}

	if err := updateJobTx(ctx, tx, job); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, &DuplicateJobError{Source: string(job.Source), SourceRef: job.SourceRef}
		}
		return nil, nil, fmt.Errorf("apply transition %s: %w", tr.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("apply transition %s: commit: %w", tr.JobID, err)
	}
	return job, &ev, nil
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *model.IngestJob) error {
	features, err := marshalFeatures(job.Features)
	if err != nil {
		return err
	}
	classification, err := marshalClassification(job.Classification)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingest_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Source),
		nullString(job.SourceRef),
		string(job.State),
		string(job.ResumeState),
		job.AttemptCount,
		job.MaxAttempts,
		nullString(job.LastErrorCode),
		nullString(job.LastErrorMessage),
		nullMillis(job.RetryAfter),
		toMillis(job.ReceivedAt),
		nullMillis(job.StartedAt),
		nullMillis(job.FinishedAt),
		nullString(job.DocumentID),
		job.EventSeq,
		nullString(job.LeaseOwner),
		nullMillis(job.LeaseUntil),
		nullString(job.StorageRef),
		features,
		classification,
		job.DocumentVersion,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func updateJobTx(ctx context.Context, tx *sql.Tx, job *model.IngestJob) error {
	features, err := marshalFeatures(job.Features)
	if err != nil {
		return err
	}
	classification, err := marshalClassification(job.Classification)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE ingest_jobs SET
			state = ?, resume_state = ?, attempt_count = ?, max_attempts = ?,
			last_error_code = ?, last_error_message = ?, retry_after = ?,
			started_at = ?, finished_at = ?, document_id = ?, event_seq = ?,
			lease_owner = ?, lease_until = ?, storage_ref = ?, features = ?, classification = ?,
			document_version = ?
		WHERE id = ?
	`,
		string(job.State),
		string(job.ResumeState),
		job.AttemptCount,
		job.MaxAttempts,
		nullString(job.LastErrorCode),
		nullString(job.LastErrorMessage),
		nullMillis(job.RetryAfter),
		nullMillis(job.StartedAt),
		nullMillis(job.FinishedAt),
		nullString(job.DocumentID),
		job.EventSeq,
		nullString(job.LeaseOwner),
		nullMillis(job.LeaseUntil),
		nullString(job.StorageRef),
		features,
		classification,
		job.DocumentVersion,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func insertPayloadTx(ctx context.Context, tx *sql.Tx, p *model.IngestPayload) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingest_payloads
		(job_id, filename, mime_type, content, checksum, title, description, caption, tags, event_date, replaced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.JobID, p.Filename, p.MimeType, p.Content, p.Checksum,
		p.Title, p.Description, p.Caption, tags, p.EventDate, nullMillis(p.ReplacedAt))
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

func replacePayloadTx(ctx context.Context, tx *sql.Tx, p *model.IngestPayload, at time.Time) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE ingest_payloads SET
			filename = ?, mime_type = ?, content = ?, checksum = ?, title = ?,
			description = ?, caption = ?, tags = ?, event_date = ?, replaced_at = ?
		WHERE job_id = ?
	`, p.Filename, p.MimeType, p.Content, p.Checksum, p.Title,
		p.Description, p.Caption, tags, p.EventDate, toMillis(at), p.JobID)
	if err != nil {
		return fmt.Errorf("replace payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replace payload %s: %w", p.JobID, ErrNotFound)
	}
	p.ReplacedAt = &at
	return nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, ev model.IngestEvent) error {
	payload, err := marshalEventPayload(ev.Payload)
	if err != nil {
		return err
	}
	var from sql.NullString
	if ev.FromState != nil {
		from = sql.NullString{String: string(*ev.FromState), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ingest_events (job_id, seq, from_state, to_state, event_type, message, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.JobID, ev.Seq, from, string(ev.ToState), ev.EventType, ev.Message, payload, toMillis(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*model.IngestJob, error) {
	var (
		job                               model.IngestJob
		source, state, resume             string
		sourceRef, errCode, errMsg, docID sql.NullString
		leaseOwner, storageRef            sql.NullString
		features, classification          sql.NullString
		retryAfter, startedAt, finishedAt sql.NullInt64
		leaseUntil                        sql.NullInt64
		receivedAt                        int64
	)
	err := row.Scan(
		&job.ID, &source, &sourceRef, &state, &resume, &job.AttemptCount, &job.MaxAttempts,
		&errCode, &errMsg, &retryAfter, &receivedAt, &startedAt, &finishedAt,
		&docID, &job.EventSeq, &leaseOwner, &leaseUntil, &storageRef, &features, &classification,
		&job.DocumentVersion,
	)
	if err != nil {
		return nil, err
	}

	job.Source = model.Source(source)
	job.SourceRef = sourceRef.String
	job.State = model.JobState(state)
	job.ResumeState = model.JobState(resume)
	job.LastErrorCode = errCode.String
	job.LastErrorMessage = errMsg.String
	job.RetryAfter = timePtr(retryAfter)
	job.ReceivedAt = fromMillis(receivedAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	job.DocumentID = docID.String
	job.LeaseOwner = leaseOwner.String
	job.LeaseUntil = timePtr(leaseUntil)
	job.StorageRef = storageRef.String

	if job.Features, err = unmarshalFeatures(features); err != nil {
		return nil, err
	}
	if job.Classification, err = unmarshalClassification(classification); err != nil {
		return nil, err
	}
	return &job, nil
}
