package ingest

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind decides how a stage failure is handled.
type ErrorKind string

const (
	// KindTransient failures consume an attempt and are retried.
	KindTransient ErrorKind = "transient"

	// KindPermanent failures move the job to FAILED immediately.
	KindPermanent ErrorKind = "permanent"
)

// ErrorCode identifies a stage failure.
type ErrorCode string

const (
	CodeStorageUnavailable ErrorCode = "storage-unavailable"
	CodeExtractionTimeout  ErrorCode = "extraction-timeout"
	CodeIndexUnavailable   ErrorCode = "index-unavailable"
	CodeRulesUnavailable   ErrorCode = "rules-unavailable"
	CodeStageTimeout       ErrorCode = "stage-timeout"
	CodeDocumentConflict   ErrorCode = "document-conflict"
	CodeInternal           ErrorCode = "internal"

	CodeUnsupportedFormat ErrorCode = "extraction-unsupported-format"
	CodeCorrupt           ErrorCode = "extraction-corrupt"
	CodePayloadMissing    ErrorCode = "payload-missing"
)

// StageError is a classified pipeline failure.
type StageError struct {
	// Code identifies the failure.
	Code ErrorCode

	// Kind decides retry vs immediate failure.
	Kind ErrorKind

	// Stage is the stage that failed. Filled in by the worker.
	Stage Stage

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	prefix := string(e.Code)
	if e.Stage != "" {
		prefix = fmt.Sprintf("%s: %s", e.Stage, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable stage error.
func Transient(code ErrorCode, message string, err error) *StageError {
	return &StageError{Code: code, Kind: KindTransient, Message: message, Err: err}
}

// Permanent builds a stage error that fails the job without retry.
func Permanent(code ErrorCode, message string, err error) *StageError {
	return &StageError{Code: code, Kind: KindPermanent, Message: message, Err: err}
}

// IsTransient returns true if err is a transient stage error.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == KindTransient
	}
	return false
}

// IsPermanent returns true if err is a permanent stage error.
func IsPermanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == KindPermanent
	}
	return false
}

// classifyError maps any error returned while running stage onto a
// StageError. Deadline overruns become stage-timeout; anything unclassified
// is a transient internal error.
func classifyError(stage Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		out := *se
		out.Stage = stage
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StageError{
			Code:    CodeStageTimeout,
			Kind:    KindTransient,
			Stage:   stage,
			Message: "stage exceeded its time budget",
			Err:     err,
		}
	}
	return &StageError{
		Code:    CodeInternal,
		Kind:    KindTransient,
		Stage:   stage,
		Message: "unexpected error",
		Err:     err,
	}
}

// ValidationError rejects a submission before any row is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is a submission validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AdmissionReason explains why a requeue or recovery was refused.
type AdmissionReason string

const (
	// ReasonForceRequired: the job is PUBLISHED or leased by a live worker.
	ReasonForceRequired AdmissionReason = "force-required"

	// ReasonAttemptsExhausted: the job used all attempts and reset_attempts
	// was not requested.
	ReasonAttemptsExhausted AdmissionReason = "attempts-exhausted"
)

// AdmissionError refuses a requeue or recovery request.
type AdmissionError struct {
	JobID   string
	Reason  AdmissionReason
	Message string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("job %s cannot be requeued (%s): %s", e.JobID, e.Reason, e.Message)
}

// IsAdmissionError returns true if err is a refused requeue or recovery.
func IsAdmissionError(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}
