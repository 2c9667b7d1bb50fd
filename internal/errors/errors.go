// Package errors defines the typed error taxonomy shared by every layer of
// the service. Handlers map codes to HTTP statuses; services and repositories
// only ever deal in codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	// ErrCodeValidation — malformed or missing input; caller corrects and resubmits.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeIncompleteApproval — sheet-level action attempted before all rows approved.
	ErrCodeIncompleteApproval Code = "INCOMPLETE_APPROVAL"
	// ErrCodeAlreadyApproved — double submission of a one-way approval transition.
	ErrCodeAlreadyApproved Code = "ALREADY_APPROVED"
	// ErrCodeNotFound — row, sheet or process state does not exist (stale client).
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeMigrationPrereq — not all three sheets are approved yet.
	ErrCodeMigrationPrereq Code = "INCOMPLETE_MIGRATION_PREREQUISITE"
	// ErrCodeMigrationPartial — migration failed partway; requires operator intervention.
	ErrCodeMigrationPartial Code = "PARTIAL_MIGRATION_FAILURE"
	// ErrCodeUnauthorized — role or task-ownership mismatch for the requested transition.
	ErrCodeUnauthorized Code = "UNAUTHORIZED_TRANSITION"
	// ErrCodeConflict — state conflict (illegal stage transition, concurrent update).
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeInternal — unexpected failure.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the service-wide error type.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message, preserving the cause.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the Code from err, or ErrCodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps a code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeIncompleteApproval, ErrCodeAlreadyApproved, ErrCodeMigrationPrereq, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeMigrationPartial:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
