package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the error categories surfaced by engine entry points.
// Every external failure maps onto exactly one kind; callers switch on
// KindOf instead of string-matching error text.
type Kind string

const (
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindRateLimited       Kind = "rate_limited"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptInput      Kind = "corrupt_input"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindEmbeddingFailure  Kind = "embedding_failure"
	KindLLMFailure        Kind = "llm_failure"
	KindUnavailable       Kind = "unavailable"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindInternal          Kind = "internal"
)

// Error is a categorized failure. RetryAfter is set for governor denials
// so transports can emit a Retry-After hint.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Retryable creates a governor denial carrying a retry hint.
func Retryable(kind Kind, retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf extracts the Kind from an error chain. Context deadline errors map
// to KindDeadlineExceeded; anything uncategorized is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint from an error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
