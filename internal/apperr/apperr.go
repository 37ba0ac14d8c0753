// Package apperr implements the error taxonomy shared by every worker and
// the gateway: UserError, RateLimited, GenerationFailed, GenerationTimeout,
// Internal, Cancelled.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of reply-shaping and logging.
type Kind int

const (
	KindInternal Kind = iota
	KindUser
	KindRateLimited
	KindGenerationFailed
	KindGenerationTimeout
	KindGenerationPaused
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "UserError"
	case KindRateLimited:
		return "RateLimited"
	case KindGenerationFailed:
		return "GenerationFailed"
	case KindGenerationTimeout:
		return "GenerationTimeout"
	case KindGenerationPaused:
		return "GenerationPaused"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Error is a classified, user-message-carrying error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Message: msg, Err: err}
}

// UserErrorf builds a malformed-frame/unknown-action/missing-field error.
// The connection stays open; the reply carries the message verbatim.
func UserErrorf(format string, args ...any) *Error {
	return newErr(KindUser, fmt.Sprintf(format, args...), nil)
}

// RateLimitedf builds the canonical rate-limit denial for a class.
func RateLimitedf(class string) *Error {
	return newErr(KindRateLimited, fmt.Sprintf("Rate limit exceeded for %s", class), nil)
}

// GenerationFailed wraps an upstream non-200/invalid-body failure.
func GenerationFailed(err error) *Error {
	return newErr(KindGenerationFailed, "video generation failed", err)
}

// GenerationTimeout wraps a deadline-exceeded failure against a video worker.
func GenerationTimeout(err error) *Error {
	return newErr(KindGenerationTimeout, "video generation timed out", err)
}

// GenerationPaused wraps a worker-reported transient error body (e.g. "the
// worker is paused"). Unlike GenerationFailed, it carries the same
// empty-video, success:false wire shape as GenerationTimeout rather than a
// bare failure reply.
func GenerationPaused(err error) *Error {
	return newErr(KindGenerationPaused, "video worker temporarily unavailable", err)
}

// Internalf wraps an unexpected local failure, never shown verbatim to the client.
func Internalf(format string, args ...any) *Error {
	return newErr(KindInternal, fmt.Sprintf(format, args...), nil)
}

// Wrap classifies a lower-level error as Internal, preserving its chain.
func Wrap(err error, context string) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return newErr(KindInternal, context, err)
}

// Cancelled marks a request abandoned because its peer is gone.
var Cancelled = newErr(KindCancelled, "request cancelled", nil)

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == k
	}
	return false
}
