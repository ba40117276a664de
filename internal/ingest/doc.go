// Package ingest implements the ingestion job state machine.
//
// A submission becomes an IngestJob in RECEIVED and is advanced by workers
// through the pipeline stages:
//
//	RECEIVED -store-> STORED -extract-> EXTRACTED -classify-> CLASSIFIED
//	         -index-> INDEXED -publish-> PUBLISHED
//
// FAILED and NEEDS_REVIEW are reachable from any non-terminal state and are
// inert until an operator requeues or recovers the job.
//
// Workers claim jobs through the store with a lease. Every transition is
// one transaction appending one event, guarded by the expected state and the
// lease owner. Transient stage errors consume an attempt and schedule a
// retry with exponential backoff; permanent errors fail the job at once.
//
// Collaborators (blob storage, extraction, indexing, notifications) are
// consumed through the interfaces in collaborators.go.
package ingest
