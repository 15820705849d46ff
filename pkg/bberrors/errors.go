// Package bberrors defines the error taxonomy shared by every
// component (spec.md §7): callers branch on Kind rather than matching
// strings, while the wrapped cause stays inspectable for logging.
package bberrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error the way spec.md §7 enumerates them.
type Kind string

const (
	InvalidRequest   Kind = "invalid_request"
	PermissionDenied Kind = "permission_denied"
	LimitExceeded    Kind = "limit_exceeded"
	NoCapacity       Kind = "no_capacity"
	ExternalError    Kind = "external_error"
	SnapshotIO       Kind = "snapshot_io"
	Timeout          Kind = "timeout"
)

// Error carries a Kind plus optional structured context (job id,
// function name, stderr excerpt) alongside a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause returns the wrapped error, or nil if none was attached.
func (e *Error) Cause() error { return e.cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to ExternalError for
// errors that did not originate in this package - external command
// failures and I/O errors are the most common untyped source.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ExternalError
}
