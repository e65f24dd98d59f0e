package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Clock lets tests replace real sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// SystemClock sleeps on wall-clock timers and honors context cancellation.
func SystemClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
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

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Attempt is invoked once per try; attempt starts at 1.
type Attempt func(ctx context.Context, attempt int) error

// Observer sees every failed attempt that will be retried.
type Observer func(attempt int, delay time.Duration, err error)

type options struct {
	clock     Clock
	rand      func() float64
	retryable func(error) bool
	onRetry   Observer
}

type Option func(*options)

func WithClock(clock Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithRand overrides the jitter source; values must be in [0,1).
func WithRand(fn func() float64) Option {
	return func(o *options) {
		if fn != nil {
			o.rand = fn
		}
	}
}

// WithRetryable narrows which errors are retried. Permanent errors and
// context cancellation are never retried.
func WithRetryable(fn func(error) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.retryable = fn
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(o *options) {
		o.onRetry = fn
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Exhaustion yields *ExhaustedError wrapping the last error.
func Do(ctx context.Context, policy Policy, fn Attempt, opts ...Option) error {
	o := options{
		clock:     SystemClock(),
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(&o)
	}

	backoff := NewBackoff(policy, o.rand)
	var last error
	for backoff.Begin() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, backoff.Attempt())
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) {
			var p *permanentError
			errors.As(err, &p)
			return p.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return err
			}
		}
		if !o.retryable(err) {
			return err
		}
		if !backoff.Remaining() {
			break
		}
		delay := backoff.NextDelay()
		if o.onRetry != nil {
			o.onRetry(backoff.Attempt(), delay, err)
		}
		if err := o.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: backoff.Attempt(), Last: last}
}
