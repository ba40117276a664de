package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate")

	// ErrVersionConflict is returned when a document's version changed
	// between read and write.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrLeaseLost is returned when a worker transitions a job it no longer
	// holds the lease for.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrStateConflict is returned when a job is not in the state a
	// transition expected.
	ErrStateConflict = errors.New("job state changed concurrently")

	// ErrNoActiveVersion is returned when a ruleset is disabled or has no
	// activated version.
	ErrNoActiveVersion = errors.New("no active rule version")
)

// DuplicateJobError reports a submission whose source_ref is already live.
type DuplicateJobError struct {
	Source        string
	SourceRef     string
	ExistingJobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate submission %s/%s: existing job %s", e.Source, e.SourceRef, e.ExistingJobID)
}

// Is makes errors.Is(err, ErrDuplicate) hold for duplicate submissions.
func (e *DuplicateJobError) Is(target error) bool {
	return target == ErrDuplicate
}

// IsDuplicate reports whether err is a duplicate-key error.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsVersionConflict reports whether err is ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
