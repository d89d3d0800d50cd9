// Package apperr defines the error kinds the system's boundaries (API,
// store, worker) classify failures into, so callers can map them to the
// right HTTP status or retry decision without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error classifications from the error handling design.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindTransientDispatch   Kind = "transient_dispatch"
	KindEnginePermanent     Kind = "engine_permanent"
	KindStorage             Kind = "storage"
	KindFilesystemTraversal Kind = "filesystem_traversal"
)

// Error wraps an underlying cause with a Kind so middleware can translate
// it into an HTTP status without inspecting message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error for op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindStorage when err is
// not a classified *Error (an unclassified failure is treated as an
// internal storage/unknown error rather than surfaced as client fault).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindStorage
}

// Retryable reports whether the error kind represents a condition the
// scheduler should retry (requeue) rather than treat as a permanent
// task failure.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientDispatch
}
