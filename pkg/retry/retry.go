// Package retry runs an operation a bounded number of times with linearly
// increasing delay between attempts.
//
// The outcome is returned as a Result value rather than a bare error so callers
// can report how many attempts were spent:
//
//	res := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    return store.Set(ctx, key, value)
//	})
//	if !res.OK() {
//	    return res.Err
//	}
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

// ErrExhausted is wrapped into Result.Err when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy bounds the attempts and the delay between them. The delay before
// attempt n+1 is BaseDelay*n, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 attempts with 100ms, 200ms delays.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Delay returns the wait that follows the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Result reports the outcome of Do.
type Result struct {
	Attempts int
	Err      error
}

// OK reports whether the operation eventually succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Do executes op until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) Result {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return Result{Attempts: attempt}
		}
		lastErr = err

		if IsNonRetryable(err) {
			return Result{Attempts: attempt, Err: err}
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempt, Err: fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())}
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt, Err: fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())}
		case <-timer.C:
		}
	}

	return Result{Attempts: p.MaxAttempts, Err: fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)}
}
