package request

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidRequest is returned for requests that can never be executed.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOffline marks a request deferred because the backend is unreachable.
	// It is never delivered to handlers.
	ErrOffline = errors.New("offline")
	// ErrRetriesExhausted wraps the final error of a request whose retry budget ran out.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

// StatusError is a non-2xx response. It is terminal for the attempt.
type StatusError struct {
	Method     Method
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// RateLimitError means the backend answered 429 and a retry was scheduled.
type RateLimitError struct {
	StatusError
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s %s: rate limited, retry in %s", e.Method, e.URL, e.Delay)
}

// TransientError is a failure without an HTTP status: dial errors, resets,
// timeouts. Retrying may succeed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.StatusCode
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
