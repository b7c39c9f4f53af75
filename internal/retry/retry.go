// Package retry provides a bounded retry combinator.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Backoff returns the delay to wait after a failed attempt (0-based).
type Backoff func(attempt int) time.Duration

// Linear returns base + attempt*step.
func Linear(base, step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return base + time.Duration(attempt)*step
	}
}

// Fixed returns a constant delay.
func Fixed(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// delayed carries a per-failure delay that overrides the backoff.
type delayed struct {
	err   error
	delay time.Duration
}

func (d *delayed) Error() string { return d.err.Error() }
func (d *delayed) Unwrap() error { return d.err }

// After wraps err so Do waits d before the next attempt instead of the
// configured backoff.
func After(err error, d time.Duration) error {
	return &delayed{err: err, delay: d}
}

// permanent marks a failure that must not be retried.
type permanent struct {
	err error
}

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it at once without further attempts.
func Permanent(err error) error {
	return &permanent{err: err}
}

// Do calls op up to attempts times, sleeping backoff(attempt) between
// failures. The returned error wraps both ErrExhausted and the last
// failure. A Permanent failure is returned unwrapped on the spot.
// Context cancellation stops the loop with ctx.Err().
func Do[T any](ctx context.Context, attempts int, backoff Backoff, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}
		var p *permanent
		if errors.As(err, &p) {
			return zero, p.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		wait := backoff(attempt)
		var d *delayed
		if errors.As(err, &d) {
			wait = d.delay
		}
		if err := Sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
