// Package retry runs read-only upstream calls with a per-attempt timeout and
// bounded exponential backoff.
//
// Every call issued by this service is a read, so any failure that is not
// explicitly marked permanent is retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy configures retry behaviour.
type Policy struct {
	// MaxRetries is the number of additional attempts after the first one.
	// Zero disables retries.
	MaxRetries int

	// AttemptTimeout bounds each individual attempt. Zero means the attempt
	// only ends when the parent context does.
	AttemptTimeout time.Duration

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the delay after each retry.
	BackoffFactor float64

	// Jitter adds rand(0, backoff) to every delay.
	Jitter bool

	// OnRetry is called before sleeping. attempt is 1-indexed.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultPolicy returns the policy used by the upstream clients.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		AttemptTimeout: 30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = p.InitialBackoff * 10
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2.0
	}
	return p
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the parent
// context ends, or the retry budget is spent. The context passed to fn
// carries the per-attempt timeout.
//
// The returned error keeps its chain, so a final attempt that timed out still
// matches context.DeadlineExceeded.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.withDefaults()
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff
			if p.Jitter {
				wait += time.Duration(rand.Int64N(int64(backoff)))
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, wait)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}

			backoff = min(time.Duration(float64(backoff)*p.BackoffFactor), p.MaxBackoff)
		}

		result, err := attemptOnce(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) {
			return zero, err
		}
		lastErr = err

		// The parent context is gone; further attempts would fail the same way.
		if ctx.Err() != nil {
			return zero, err
		}
	}

	if p.MaxRetries == 0 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, lastErr)
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
