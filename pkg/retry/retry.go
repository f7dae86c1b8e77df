// Package retry provides fixed-delay retry logic for connect attempts.
//
// A Policy allows one initial attempt plus up to MaxRetries additional
// attempts, waiting Delay between them. The attempt counter lives in a single
// Do call, so every call starts from zero:
//
//	policy := retry.Policy{Delay: 500 * time.Millisecond, MaxRetries: 5}
//
//	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) error {
//		return dial(ctx)
//	}, func(retry int, err error) {
//		logger.Warn("Attempt failed", "retry", retry, "total", policy.MaxRetries, "error", err)
//	})
//
// # Stop errors
//
// Wrapping an error with Stop ends the loop immediately, for failures that
// cannot be fixed by trying again (malformed URLs, bad credentials).
package retry

import (
	"context"
	"errors"
	"time"
)

// Unlimited makes a Policy retry until the operation succeeds or the context ends.
const Unlimited = -1

// Policy is a bounded, fixed-delay retry policy.
type Policy struct {
	Delay      time.Duration
	MaxRetries int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Delay:      0,
		MaxRetries: 5,
	}
}

// Allow reports whether another attempt may follow after retries retries
// have already been made. Only Unlimited disables the bound; other negative
// values allow no retries.
func (p Policy) Allow(retries int) bool {
	return p.MaxRetries == Unlimited || retries < p.MaxRetries
}

// Func is a single attempt.
type Func func(ctx context.Context) error

// OnRetry is called before waiting for the next attempt. retry is the 1-based
// number of the upcoming retry and err the failure that caused it.
type OnRetry func(retry int, err error)

// Do runs fn until it succeeds, returns a StopError, the policy is exhausted
// or ctx ends. It returns the number of attempts made and the last error
// (unwrapped from StopError). When ctx ends during a wait, the last attempt's
// error is returned joined with ctx.Err().
func Do(ctx context.Context, policy Policy, fn Func, onRetry OnRetry) (int, error) {
	retries := 0
	for {
		err := fn(ctx)
		attempts := retries + 1
		if err == nil {
			return attempts, nil
		}

		var stopErr StopError
		if errors.As(err, &stopErr) {
			return attempts, stopErr.Err
		}

		if !policy.Allow(retries) {
			return attempts, err
		}

		retries++
		if onRetry != nil {
			onRetry(retries, err)
		}

		if waitErr := Sleep(ctx, policy.Delay); waitErr != nil {
			return attempts, errors.Join(err, waitErr)
		}
	}
}

// Sleep waits for d or until ctx ends. A non-positive d still yields to a
// cancelled context.
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

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}
