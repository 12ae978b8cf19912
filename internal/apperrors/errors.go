// Package apperrors defines the coordinator's error taxonomy and its HTTP mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinels used for classification via errors.Is().
var (
	ErrValidation  = errors.New("invalid input")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("storage unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error carries a sentinel plus the context needed to report it.
type Error struct {
	Sentinel error  // classification, returned by Unwrap
	Message  string // human-readable message
	Field    string // offending request field for validation errors
	Resource string // "job" or "worker" for not found/conflict
	ID       string // resource identifier
	Op       string // failing store operation, e.g. "records.create"
	Cause    error  // underlying error, if any
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel, so errors.Is matches the category.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation reports a rejected request field. Nothing has been written when
// this is returned.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound reports that a resource does not exist or has expired.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
		ID:       id,
	}
}

// Conflict reports that a resource exists but is in the wrong state for the
// requested operation.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		ID:       id,
	}
}

// Unavailable reports that the backing store could not be reached.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: storage unavailable: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal wraps an unexpected failure.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
