// Package fault defines the error taxonomy shared by every fieldops component.
//
// Each category has a sentinel for errors.Is checks and, where the caller
// needs detail to correct the request, a typed error that matches it.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when an entity or a linked entity is absent.
	ErrNotFound = errors.New("fieldops: not found")

	// ErrConflict is returned for duplicate creation, an already-held region
	// lock or a double-link attempt.
	ErrConflict = errors.New("fieldops: conflict")

	// ErrValidation is returned for schema, format, enum or ownership violations.
	ErrValidation = errors.New("fieldops: validation failed")

	// ErrTransactionAborted is returned when a multi-record transaction could
	// not be committed for a transient reason. Callers may retry.
	ErrTransactionAborted = errors.New("fieldops: transaction aborted")

	// ErrDependencyUnavailable is returned when the key-management provider or
	// the asset-sync collaborator cannot be reached.
	ErrDependencyUnavailable = errors.New("fieldops: dependency unavailable")

	// ErrInternal is returned for unexpected store failures.
	ErrInternal = errors.New("fieldops: internal error")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Type, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a NotFoundError.
func NotFound(typ, id string) error {
	return &NotFoundError{Type: typ, ID: id}
}

// ConflictError carries enough detail to look up the existing item.
type ConflictError struct {
	Reason string

	// Existing identifies the current owner, e.g. the device a SIM is linked
	// to or the installation holding a region lock.
	Existing string

	PK string
	SK string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflict returns a ConflictError.
func Conflict(reason, existing string) *ConflictError {
	return &ConflictError{Reason: reason, Existing: existing}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DependencyError wraps a failure of an external collaborator.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyError) Is(target error) bool { return target == ErrDependencyUnavailable }

// Unavailable returns a DependencyError.
func Unavailable(dependency string, err error) error {
	return &DependencyError{Dependency: dependency, Err: err}
}

// Internal wraps an unexpected failure so that it matches ErrInternal while
// keeping the cause in the chain.
func Internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// IsRetryable reports whether the whole operation may be retried from scratch.
// Only transient failures qualify; precondition violations never do.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrTransactionAborted), errors.Is(err, ErrDependencyUnavailable):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// StatusCode maps an error to its HTTP-equivalent status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTransactionAborted), errors.Is(err, ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
