// Package store provides SQLite-backed durable storage for curator.
//
// The store holds:
//   - Ingest jobs, their payloads and an append-only transition log
//   - Rulesets and their immutable rule versions
//   - Archive documents (derived fields written by ingest and backfill)
//   - Backfill jobs with persisted progress
//
// # Transitions
//
// Every job state change goes through ApplyTransition, which appends exactly
// one ingest_events row and rewrites the job row in the same transaction.
// The write is guarded by the expected current state and, for workers, the
// lease owner. A worker whose lease was taken over gets ErrLeaseLost.
//
// # Documents
//
// Document rows carry a version counter. Derived-field updates are
// compare-and-swap on that counter and return ErrVersionConflict when another
// writer got there first.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as INTEGER unix milliseconds (UTC).
package store
