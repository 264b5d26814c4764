// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently an operation is retried.
// It is a plain value so each call site can carry its own.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // randomization factor in [0, 1]
}

// DefaultPolicy matches the provisioning defaults: 3 attempts, 5s to 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Notify is called before each wait with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

type options struct {
	notify Notify
}

// Option customises a single Do call.
type Option func(*options)

// WithNotify registers a callback invoked before every backoff wait.
func WithNotify(n Notify) Option {
	return func(o *options) { o.notify = n }
}

// Permanent marks err as not retryable regardless of its type.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// DefaultClassifier retries errors that report themselves as retryable
// through a Retryable() method, and reads RetryAfterHint() when present.
// A Retryable() verdict wins over a wrapped context error, so an op can
// mark its own per-attempt timeout as transient.
func DefaultClassifier(err error) (bool, time.Duration) {
	if err == nil || IsPermanent(err) {
		return false, 0
	}

	var hint interface{ RetryAfterHint() time.Duration }
	var after time.Duration
	if errors.As(err, &hint) {
		after = hint.RetryAfterHint()
	}

	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable(), after
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}
	return false, after
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) (int, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := p.backOff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return attempt - 1, err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		retryable, retryAfter := DefaultClassifier(lastErr)
		if !retryable {
			var perm *backoff.PermanentError
			if errors.As(lastErr, &perm) {
				return attempt, perm.Err
			}
			return attempt, lastErr
		}
		if attempt >= maxAttempts {
			return attempt, &ExhaustedError{Attempts: attempt, Err: lastErr}
		}

		wait := p.clamp(b.NextBackOff())
		if hinted := p.clamp(retryAfter); hinted > wait {
			wait = hinted
		}
		if o.notify != nil {
			o.notify(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// Delays returns the un-jittered wait before each retry, for logging and tests.
func (p Policy) Delays() []time.Duration {
	q := p
	q.Jitter = 0
	b := q.backOff()

	var delays []time.Duration
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, q.clamp(b.NextBackOff()))
	}
	return delays
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
