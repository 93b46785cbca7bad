package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/router-for-me/ReceiptRelay/sdk/relay/retry"
)

// Error codes rendered in AppError JSON.
const (
	CodeBadRequest          = "INVALID_REQUEST"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// WithDetail sets a detail field and returns e.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return New(http.StatusBadRequest, CodeBadRequest, message, err)
}

func NewNotFound(message string) *AppError {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

func NewRateLimited(message string, err error) *AppError {
	return New(http.StatusTooManyRequests, CodeRateLimited, message, err)
}

func NewUpstreamUnavailable(message string, err error) *AppError {
	return New(http.StatusServiceUnavailable, CodeUpstreamUnavailable, message, err)
}

func NewUpstreamError(message string, err error) *AppError {
	return New(http.StatusBadGateway, CodeUpstreamError, message, err)
}

func NewInternal(message string, err error) *AppError {
	return New(http.StatusInternalServerError, CodeInternal, message, err)
}

// permanent is implemented by request errors that no retry can fix.
type permanent interface {
	Permanent() bool
}

// FromError maps a core error onto an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var perm permanent
	if stderrors.As(err, &perm) && perm.Permanent() {
		return NewBadRequest(err.Error(), nil)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return New(http.StatusGatewayTimeout, CodeTimeout, "request timed out", err)
	}

	var upstream *retry.Error
	typed := stderrors.As(err, &upstream)
	var out *AppError
	switch retry.KindOf(err) {
	case retry.RateLimited:
		out = NewRateLimited("upstream quota exhausted", err)
	case retry.Overloaded:
		out = NewUpstreamUnavailable("upstream service overloaded", err)
	default:
		if !typed {
			return NewInternal("internal error", err)
		}
		out = NewUpstreamError("upstream request failed", err)
	}

	out.WithDetail("cause", err.Error())
	if attempts := retry.AttemptsOf(err); attempts > 0 {
		out.WithDetail("attempts", attempts)
	}
	if typed {
		if upstream.HTTPStatus > 0 {
			out.WithDetail("upstream_status", upstream.HTTPStatus)
		}
		if d := upstream.RetryAfter(); d != nil {
			out.WithDetail("retry_after_seconds", d.Seconds())
		}
	}
	return out
}
