// Package bridgeerr defines the closed error taxonomy services return and
// the gateway maps onto HTTP responses. Every caller-visible failure is one
// of these kinds; anything else is reported as internal.
package bridgeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a caller-visible failure.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindRateLimited     Kind = "rate_limited"
	KindBusy            Kind = "busy"
	KindNotFound        Kind = "not_found"
	KindSchemaViolation Kind = "schema_violation"
	KindReplay          Kind = "replay"
	KindExpired         Kind = "expired"
	KindTerminal        Kind = "terminal"
	KindDegraded        Kind = "degraded"
	KindIntegrity       Kind = "integrity"
	KindInternal        Kind = "internal"
)

// Error is a classified failure. RetryAfter, when set, becomes the
// Retry-After hint on rate-limit and degradation responses.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New returns a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it for errors.Is.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithRetryAfter returns a copy carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	out := *e
	out.RetryAfter = d
	return &out
}

// KindOf extracts the kind of err; unclassified errors are internal and nil
// has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// HasKind reports whether err is classified as kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
