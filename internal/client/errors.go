package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrUnavailable means the service could not be reached: retries ran out or
// the circuit breaker is open. Producers fall back to the buffer on it.
var ErrUnavailable = errors.New("ingestion service unavailable")

// ErrInvalidURL is returned by New for a base URL that is not an absolute
// http or https URL.
var ErrInvalidURL = errors.New("invalid service URL")

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("server returned %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Message returns the message from the service's error envelope, or "" when
// the body is not one.
func (e *StatusError) Message() string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &env) != nil {
		return ""
	}
	return env.Error.Message
}

// Terminal reports whether the request itself was rejected. Every 4xx is
// terminal, including 429.
func (e *StatusError) Terminal() bool {
	return e.Code >= 400 && e.Code < 500
}

// IsRetryable classifies one attempt's outcome. 5xx responses, connection
// failures and timeouts are retryable. 4xx responses, a cancelled caller
// context and an open breaker are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || breakerRejected(err) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error satisfies net.Error itself, so look at what it wraps.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// countsAsFailure decides whether an attempt moves the breaker towards open.
// Client-side mistakes and cancellations say nothing about service health.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.Terminal() {
		return false
	}
	return true
}
