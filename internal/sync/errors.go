package sync

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so callers can branch on the failure
// class by tag rather than by matching message substrings.
type Kind string

const (
	// KindNotAuthenticated means no usable credential could be produced.
	// Fatal for the job; reported, never retried automatically.
	KindNotAuthenticated Kind = "not_authenticated"

	// KindAlreadyRunning means a job for the user is already running.
	// Rejected synchronously at start; not a job failure.
	KindAlreadyRunning Kind = "already_running"

	// KindTokenInvalid means the provider rejected the continuation token
	// as expired or invalid. Recovered internally via a full-sync fallback.
	KindTokenInvalid Kind = "token_invalid"

	// KindTransient covers timeouts and rate limiting. Retried with backoff
	// up to a bounded attempt count.
	KindTransient Kind = "transient"

	// KindManualResolution means the conflict needs a human decision.
	KindManualResolution Kind = "manual_resolution_required"

	// KindValidation means malformed input to a public operation, rejected
	// before any work starts.
	KindValidation Kind = "validation"

	// KindNotFound means the referenced job, conflict, or event does not exist.
	KindNotFound Kind = "not_found"
)

// Error is the engine's error type: a failure kind plus the operation that
// produced it and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapErr wraps cause in an *Error. A nil cause returns nil.
func WrapErr(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the failure kind from err, unwrapping as needed.
// Errors that are not engine errors report an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure class is worth retrying.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}
