package api

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
)

// ErrorKind enumerates the error taxonomy of spec.md §7. It identifies a
// class of failure, not a concrete Go type, so that callers can switch on
// Kind without type-asserting across package boundaries.
type ErrorKind string

const (
	ErrMalformedPdu         ErrorKind = "MalformedPdu"
	ErrSignatureInvalid     ErrorKind = "SignatureInvalid"
	ErrHashMismatch         ErrorKind = "HashMismatch"
	ErrUnknownRoomVersion   ErrorKind = "UnknownRoomVersion"
	ErrAuthFailed           ErrorKind = "AuthFailed"
	ErrAncestorsMissing     ErrorKind = "AncestorsMissing"
	ErrSoftFailed           ErrorKind = "SoftFailed"
	ErrRateLimited          ErrorKind = "RateLimited"
	ErrStorageConflict      ErrorKind = "StorageConflict"
	ErrFederationUnavailable ErrorKind = "FederationUnavailable"
	ErrTimeout              ErrorKind = "Timeout"
	ErrCancelled            ErrorKind = "Cancelled"
	ErrInvariantViolation   ErrorKind = "InvariantViolation"
)

// Error wraps an underlying cause with the taxonomy kind the pipeline
// classified it as. §7 requires per-PDU federation responses and local 4xx
// responses to distinguish these kinds, so Kind is always set.
type Error struct {
	Kind    ErrorKind
	EventID string
	cause   error
}

// NewError classifies cause as kind and attaches the event id it happened
// on. cause is wrapped with github.com/pkg/errors so callers further up the
// pipeline can still errors.Cause() their way back to the root failure.
// InvariantViolation additionally reports to Sentry before returning, since
// that kind means the pipeline found its own state inconsistent rather than
// rejecting a bad event (spec.md §7).
func NewError(kind ErrorKind, eventID string, cause error) *Error {
	if cause != nil {
		cause = errors.Wrap(cause, string(kind))
	}
	e := &Error{Kind: kind, EventID: eventID, cause: cause}
	if kind == ErrInvariantViolation {
		sentry.CaptureException(e)
	}
	return e
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.EventID)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.EventID, e.cause)
}

// Cause returns the root error beneath any github.com/pkg/errors wrapping,
// for callers that want the original failure rather than this taxonomy.
func (e *Error) Cause() error { return errors.Cause(e.cause) }

func (e *Error) Unwrap() error { return e.cause }

// Terminal reports whether this class of error is terminal for the event
// (dropped or persisted rejected) rather than retryable, per spec.md §7's
// propagation policy.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case ErrMalformedPdu, ErrSignatureInvalid, ErrHashMismatch, ErrAuthFailed, ErrUnknownRoomVersion:
		return true
	default:
		return false
	}
}
