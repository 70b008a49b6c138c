// Package apperr defines the typed error kinds shared across the control
// plane, per spec.md §7. Every component that surfaces an error to a
// request handler or classifies a failure for its own retry policy does so
// through this package rather than ad-hoc sentinel errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy purposes.
type Kind string

const (
	// Validation covers malformed input, unknown codespec, missing/extra
	// buffer binding, tag out of bounds, unknown storage account, ttl out
	// of range, worker on non-cluster backend, GPU requested on
	// non-GPU host. Non-retryable.
	Validation Kind = "validation"

	// NotFound means a run/buffer/codespec id does not exist. Non-retryable.
	NotFound Kind = "not_found"

	// PreconditionFailed means an ETag mismatch or concurrent-state
	// conflict. The caller should retry with refreshed state.
	PreconditionFailed Kind = "precondition_failed"

	// BackendTransient is a transient backend API failure, retried with
	// exponential backoff inside the resilience pipeline.
	BackendTransient Kind = "backend_transient"

	// BackendFatal is a non-retryable backend rejection (image not found,
	// invalid spec). Surfaced as Validation on create paths, as a Failed
	// run status on running paths.
	BackendFatal Kind = "backend_fatal"

	// Cancelled means the operation was cancelled by the caller or by
	// process shutdown.
	Cancelled Kind = "cancelled"

	// Internal is an unexpected failure, logged with context and
	// surfaced as an opaque server error.
	Internal Kind = "internal"
)

// Error is the typed error carried across the control plane's internal
// interfaces and (optionally) the outer API boundary.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "CreateRun", "GetBuffer".
	Op string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the resilience pipeline should retry the
// operation that produced this error. Only BackendTransient is retryable;
// spec.md §9 "retry only BackendTransient kinds; never retry Validation
// or NotFound".
func (e *Error) Retryable() bool { return e.Kind == BackendTransient }

// New constructs an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New that formats err with fmt-style args.
func Wrap(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
