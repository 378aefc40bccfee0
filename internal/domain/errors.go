package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("conflict")
)

// Specific errors.
var (
	ErrLayerNotFound        = fmt.Errorf("layer: %w", ErrNotFound)
	ErrTaskNotFound         = fmt.Errorf("task: %w", ErrNotFound)
	ErrSessionNotFound      = fmt.Errorf("session: %w", ErrNotFound)
	ErrUnsupportedLayerKind = fmt.Errorf("no compatible backend for layer kind: %w", ErrUnsupported)
	ErrUnsupportedPredicate = fmt.Errorf("predicate: %w", ErrUnsupported)
	ErrBackendUnavailable   = fmt.Errorf("backend: %w", ErrUnavailable)
	ErrBackendBusy          = fmt.Errorf("backend busy after retries: %w", ErrUnavailable)
	ErrLockContention       = fmt.Errorf("lock contention: %w", ErrConflict)
	ErrRestoreInvariant     = fmt.Errorf("partial multi-layer restore: %w", ErrInternal)
	ErrSessionAborted       = fmt.Errorf("history session aborted: %w", ErrInternal)
	ErrHistoryExhausted     = fmt.Errorf("history: %w", ErrNotFound)
	ErrTaskNotCancellable   = fmt.Errorf("task already finished: %w", ErrConflict)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
			e.Field, e.Message, e.Value, e.Constraint)
	}
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// BackendError tags an error with the backend and operation it originated
// from. Backend errors propagate typed and unmodified to the caller.
type BackendError struct {
	Backend BackendKind // Originating backend
	Layer   string      // Layer being filtered
	Op      string      // Operation that failed (filter, release, extract, ...)
	Err     error       // Underlying error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("%s backend: %s on layer %s: %v", e.Backend, e.Op, e.Layer, e.Err)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// RestoreError reports a failed multi-layer restore. It always unwraps to
// ErrRestoreInvariant: a half-restored session is an invariant violation,
// not a recoverable condition.
type RestoreError struct {
	OperationID string   // Entry whose restore failed
	Restored    []string // Layers restored before the failure
	Failed      string   // Layer whose restore failed
	Err         error    // Underlying error
}

// Error implements the error interface.
func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore of operation %s failed on layer %s after restoring %d layer(s): %v",
		e.OperationID, e.Failed, len(e.Restored), e.Err)
}

// Unwrap returns ErrRestoreInvariant.
func (e *RestoreError) Unwrap() error {
	return ErrRestoreInvariant
}
