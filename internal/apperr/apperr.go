// Package apperr defines the error taxonomy shared by the sync and lifecycle
// engine. Every error that crosses an engine boundary is an *Error carrying a
// Kind, so callers (CLI, HTTP, MCP) can branch on it without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorizes an engine error.
type Kind string

const (
	// KindMalformedRecord: a remote document could not be mapped.
	KindMalformedRecord Kind = "MALFORMED_RECORD"

	// KindValidation: a manager-supplied value is out of range.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindInvalidTransition: the requested status edge does not exist.
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindVersionConflict: a concurrent writer changed the record first.
	KindVersionConflict Kind = "VERSION_CONFLICT"

	// KindRemoteUnavailable: the remote store failed or timed out.
	KindRemoteUnavailable Kind = "REMOTE_UNAVAILABLE"

	// KindSyncInProgress: another run of the same operation holds the lock.
	KindSyncInProgress Kind = "SYNC_IN_PROGRESS"

	// KindNotFound: the referenced issue or catalog entry does not exist.
	KindNotFound Kind = "NOT_FOUND"

	// KindInternal: local storage or other unexpected failure.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured engine error.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "pull" or "transition".
	Op string

	// ID identifies the affected record (issue id or remote key).
	ID string

	// Field names the offending field for malformed/validation errors.
	Field string

	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if msg != "" {
		s += ": " + msg
	}
	if e.Field != "" {
		s += fmt.Sprintf(" (field=%s)", e.Field)
	}
	if e.ID != "" {
		s += fmt.Sprintf(" (id=%s)", e.ID)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same request later may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRemoteUnavailable, KindVersionConflict, KindSyncInProgress:
		return true
	}
	return false
}

// Malformed reports an unmappable remote document.
func Malformed(id, field, format string, a ...any) *Error {
	return &Error{Kind: KindMalformedRecord, ID: id, Field: field, Message: fmt.Sprintf(format, a...)}
}

// Validation reports an out-of-range manager value.
func Validation(field, format string, a ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, a...)}
}

// InvalidTransition reports a status edge that is not allowed.
func InvalidTransition(id string, from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		ID:      id,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// VersionConflict reports a failed optimistic concurrency check.
func VersionConflict(id string, expected int64) *Error {
	return &Error{
		Kind:    KindVersionConflict,
		ID:      id,
		Message: fmt.Sprintf("record changed since version %d", expected),
	}
}

// RemoteUnavailable wraps a remote store failure.
func RemoteUnavailable(op string, err error) *Error {
	return &Error{Kind: KindRemoteUnavailable, Op: op, Err: err}
}

// SyncInProgress reports that op is already running.
func SyncInProgress(op string) *Error {
	return &Error{Kind: KindSyncInProgress, Op: op, Message: "another run is in progress"}
}

// NotFound reports a missing record.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, ID: id, Message: what + " not found"}
}

// Internal wraps an unexpected local failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err (or anything it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// IsRetryable reports whether err is a retryable engine error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// FieldOf returns the offending field name carried by err, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
