// Package retry runs an operation until it succeeds, hits a terminal error,
// or exhausts its attempt budget. The same helper backs the HTTP transport
// and the SQLite writer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed with a
// retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Backoff returns the delay before retry number n (1-based: the wait after
// the first failed attempt is Backoff(1)).
type Backoff func(n int) time.Duration

// Exponential doubles base on each retry (base, 2*base, 4*base, ...) and
// caps the delay at max. A zero max means no cap.
func Exponential(base, max time.Duration) Backoff {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		d := time.Duration(float64(base) * math.Pow(2, float64(n-1)))
		if max > 0 && (d > max || d <= 0) {
			return max
		}
		return d
	}
}

// Fixed walks an explicit schedule. Retries past the end of the schedule
// reuse its last entry.
func Fixed(delays ...time.Duration) Backoff {
	return func(n int) time.Duration {
		if len(delays) == 0 {
			return 0
		}
		if n < 1 {
			n = 1
		}
		if n > len(delays) {
			return delays[len(delays)-1]
		}
		return delays[n-1]
	}
}

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	Backoff     Backoff
	// Retryable reports whether err is transient. A nil Retryable treats
	// every error as terminal.
	Retryable func(err error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do calls fn until it returns nil, returns a terminal error, or the policy
// runs out of attempts. Terminal errors are returned as-is. When attempts
// run out the result wraps both ErrExhausted and the last error. Waiting
// honours ctx cancellation.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(err, lastErr))
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
