// Package apperr defines the error kinds shared by job submission, the job
// store and the transfer engine.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind categorizes an error.
type Kind string

const (
	// KindValidation marks bad or missing request parameters.
	KindValidation Kind = "validation"
	// KindNotFound marks an unknown job or connection.
	KindNotFound Kind = "not_found"
	// KindConnectivity marks an unreachable source or target.
	KindConnectivity Kind = "connectivity"
	// KindData marks constraint violations, schema mismatches and failed batches.
	KindData Kind = "data"
	// KindConflict marks a compare-and-set that lost against another writer.
	KindConflict Kind = "conflict"
	// KindUnavailable marks a service that is shutting down.
	KindUnavailable Kind = "unavailable"
	// KindInternal is used for anything else.
	KindInternal Kind = "internal"
)

// Error is a categorized error. Batch and Offset locate the failing page for
// transfer errors; Batch is 1-based and zero when unknown.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Batch   int
	Offset  int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AtBatch returns a copy of e located at the given batch and row offset.
func (e *Error) AtBatch(batch int, offset int64) *Error {
	cp := *e
	cp.Batch = batch
	cp.Offset = offset
	return &cp
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return newf(KindValidation, nil, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, nil, format, args...)
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, nil, format, args...)
}

// Unavailable creates an unavailable error.
func Unavailable(format string, args ...any) *Error {
	return newf(KindUnavailable, nil, format, args...)
}

// Connectivity wraps cause as a connectivity error.
func Connectivity(cause error, format string, args ...any) *Error {
	return newf(KindConnectivity, cause, format, args...)
}

// Data wraps cause as a data error.
func Data(cause error, format string, args ...any) *Error {
	return newf(KindData, cause, format, args...)
}

// Internal wraps cause as an internal error.
func Internal(cause error, format string, args ...any) *Error {
	return newf(KindInternal, cause, format, args...)
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
