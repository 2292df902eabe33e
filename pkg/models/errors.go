// Package models defines the core Dispatch data types: workspaces, run
// sessions, and the append-only events that describe their activity.
package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core error taxonomy. Collaborators (HTTP layer,
// transport layer) map these to their own wire representations via
// errors.Is/errors.As rather than inspecting error strings.
var (
	// ErrNotFound is returned when a workspace, session, or event does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthenticated is returned when an operation requires a verified
	// user identity that the caller did not supply.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotAuthorized is returned when an authenticated user does not own
	// the session or workspace they are trying to act on.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidArgument is returned for malformed input: a bad seq, an
	// unknown adapter kind, a non-absolute workspace path.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict is returned when an operation cannot proceed because of
	// the current state of the target (e.g. creating a session whose id
	// collides with an existing one).
	ErrConflict = errors.New("conflict")

	// ErrSessionClosed is returned when write/resize is attempted against a
	// session that has already transitioned to a terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrAdapterFailure is returned when an adapter's underlying process or
	// connection fails outside of the normal close sequence.
	ErrAdapterFailure = errors.New("adapter failure")

	// ErrStoreFailure is returned when the event store cannot durably persist
	// or retrieve events.
	ErrStoreFailure = errors.New("store failure")

	// ErrOverflow is returned to a subscriber whose outbound queue could not
	// keep up with the live event rate.
	ErrOverflow = errors.New("subscriber overflow")
)

// ValidationError reports a field-specific input validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
