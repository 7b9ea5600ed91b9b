package stage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a stage failure for the retry policy.
type Kind int

const (
	// Transient failures are retried until the attempt budget is spent.
	Transient Kind = iota
	// Permanent failures fail the article immediately.
	Permanent
	// RateLimited failures are retried no sooner than RetryAfter.
	RateLimited
	// RelevanceRejected ends the pipeline for an off-topic article.
	RelevanceRejected
	// Unauthorized means the vendor refused our credentials. It says nothing
	// about the article and aborts the cycle without spending an attempt.
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	case RelevanceRejected:
		return "relevance_rejected"
	case Unauthorized:
		return "unauthorized"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified stage failure.
type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func TransientError(reason string, err error) *Error {
	return &Error{Kind: Transient, Reason: reason, Err: err}
}

func PermanentError(reason string, err error) *Error {
	return &Error{Kind: Permanent, Reason: reason, Err: err}
}

func RateLimitedError(reason string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: RateLimited, Reason: reason, RetryAfter: retryAfter, Err: err}
}

func UnauthorizedError(reason string, err error) *Error {
	return &Error{Kind: Unauthorized, Reason: reason, Err: err}
}

// Rejected reports that the article is not relevant, with the category as reason.
func Rejected(reason string) *Error {
	return &Error{Kind: RelevanceRejected, Reason: reason}
}

// Classify returns the classified form of err. Unclassified errors, including
// timeouts and cancellations, are treated as transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientError("deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return TransientError("cancelled", err)
	}
	return TransientError("unclassified", err)
}
