// Package retry classifies upstream failures and decides how long to wait
// before the next attempt.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure class of an upstream error.
type Kind int

const (
	// Other errors are surfaced immediately and never retried.
	Other Kind = iota
	// RateLimited marks quota exhaustion (HTTP 429, RESOURCE_EXHAUSTED).
	RateLimited
	// Overloaded marks a temporarily unavailable upstream (HTTP 503).
	Overloaded
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Overloaded:
		return "overloaded"
	default:
		return "other"
	}
}

// Error is the typed upstream failure produced by the client adapter.
// The kind is decided once, where the response is read.
type Error struct {
	Kind       Kind
	HTTPStatus int
	Message    string
	// Retry is the server supplied retry hint, if any.
	Retry *time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// StatusCode returns the HTTP status of the upstream response.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.HTTPStatus
}

// RetryAfter returns a copy of the server hint.
func (e *Error) RetryAfter() *time.Duration {
	if e == nil || e.Retry == nil {
		return nil
	}
	d := *e.Retry
	return &d
}

// ExhaustedError is returned once every attempt failed. The last upstream
// error is preserved unchanged.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v (after %d attempts)", e.Err, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// KindOf reports the class of err, looking through wrappers.
func KindOf(err error) Kind {
	return classify(err)
}

// AttemptsOf returns the attempt count attached to err, or 0.
func AttemptsOf(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	return 0
}
