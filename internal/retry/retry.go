// Package retry runs a single remote call under a bounded exponential
// backoff schedule. It knows nothing about what the call does: every
// error returned by the operation counts as a failed attempt, so callers
// keep non-retryable checks (credential validation, response shape) out
// of the wrapped function.
//
// For a policy of N attempts and initial delay D the operation runs at
// most N times with pauses of D, 2D, 4D, ... between attempts. When the
// budget is spent the error from the final attempt is returned as-is.
package retry

import (
	"context"
	"time"
)

// DefaultMultiplier is the geometric growth factor between delays.
const DefaultMultiplier = 2.0

// Policy configures a retry schedule. A Policy is plain data and is never
// mutated by Do; each call keeps its own attempt counter and delay.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialDelay is the pause before the first retry.
	InitialDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2).
	Multiplier float64

	// MaxDelay caps delay growth. Zero leaves the schedule uncapped.
	MaxDelay time.Duration

	// OnRetry, if set, is called after a failed attempt when another
	// attempt will follow. attempt is 1-based; delay is the pause about
	// to be taken.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// sleeper waits for d or until ctx is done, returning false if ctx ended
// first. Replaced in tests to observe the schedule without waiting.
type sleeper func(ctx context.Context, d time.Duration) bool

var sleep sleeper = sleepCtx

// Do runs op under p. It returns op's result on the first success. After
// p.MaxAttempts failures it returns the last error unchanged. If ctx is
// cancelled during a pause, ctx.Err() is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultMultiplier
	}

	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= attempts {
			return result, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if !sleep(ctx, delay) {
			var zero T
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
