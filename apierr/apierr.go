// Package apierr defines the closed set of error kinds the submission
// pipeline surfaces across its internal call chain and its HTTP boundary.
// Callers type-switch or errors.As against these instead of matching on
// error strings.
package apierr

import "fmt"

// Kind is one of the error kinds enumerated by the pipeline's error
// handling design.
type Kind string

const (
	KindBadRequest       Kind = "BadRequest"
	KindUnauthorized     Kind = "Unauthorized"
	KindRateLimited      Kind = "RateLimited"
	KindStateConflict    Kind = "StateConflict"
	KindDownloadFailed   Kind = "DownloadFailed"
	KindLLMUnavailable   Kind = "LLMUnavailable"
	KindSinkUnavailable  Kind = "SinkUnavailable"
	KindIntegrityFailure Kind = "IntegrityFailure"
	KindSuspicious       Kind = "Suspicious"
	KindInvariant        Kind = "InvariantViolation"
	KindTimeout          Kind = "Timeout"
	KindNotFound         Kind = "NotFound"
)

// Error is a typed pipeline error carrying a Kind, a caller-facing message,
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

// As reports whether err is, or wraps, an *Error, and if so stores it in
// *target.
func As(err error, target **Error) bool {
	return asError(err, target)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RetryAfter is carried by RateLimited errors so the HTTP layer can set
// the Retry-After header without re-deriving the window.
type RetryAfter struct {
	*Error
	Seconds int
}
