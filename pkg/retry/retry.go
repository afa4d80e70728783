// Package retry runs an operation with doubling backoff and jitter. It wraps
// remote store writes and the startup dial.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// marked carries an explicit retry decision for the default policy.
type marked struct {
	err   error
	retry bool
}

func (m *marked) Error() string { return m.err.Error() }
func (m *marked) Unwrap() error { return m.err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, retry: true}
}

// Permanent marks err as final. It stops the loop under every policy.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err}
}

func mark(err error) (*marked, bool) {
	var m *marked
	ok := errors.As(err, &m)
	return m, ok
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	m, ok := mark(err)
	return ok && !m.retry
}

// IsTransient reports whether err is worth another attempt: anything but
// cancellation, an expired deadline or a permanent error.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// policy is the resolved set of options.
type policy struct {
	attempts int
	base     time.Duration
	maxDelay time.Duration
	jitter   float64
	retryIf  func(error) bool
	onRetry  func(attempt int, err error, delay time.Duration)
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option tunes a Retrier.
type Option func(*policy)

// WithMaxAttempts counts the first call.
func WithMaxAttempts(n int) Option {
	return func(p *policy) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithInitialDelay sets the wait before the second attempt. Each later
// wait doubles it.
func WithInitialDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.base = d
		}
	}
}

// WithMaxDelay caps a single wait.
func WithMaxDelay(d time.Duration) Option {
	return func(p *policy) {
		if d > 0 {
			p.maxDelay = d
		}
	}
}

// WithJitter spreads each wait by up to ±j of its length.
func WithJitter(j float64) Option {
	return func(p *policy) {
		if j >= 0 && j <= 1 {
			p.jitter = j
		}
	}
}

// WithRetryIf replaces the default rule, which only retries errors marked
// with Retryable.
func WithRetryIf(fn func(error) bool) Option {
	return func(p *policy) { p.retryIf = fn }
}

// WithOnRetry is called before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(p *policy) { p.onRetry = fn }
}

// WithSleep replaces the timer wait. Tests pass a no-op.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier runs operations under one policy. It is safe for concurrent use.
type Retrier struct {
	p policy
}

// New returns a Retrier: 3 attempts from 100ms, capped at 30s, 10% jitter.
func New(opts ...Option) *Retrier {
	p := policy{
		attempts: 3,
		base:     100 * time.Millisecond,
		maxDelay: 30 * time.Second,
		jitter:   0.1,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.retryIf == nil {
		p.retryIf = func(err error) bool {
			m, ok := mark(err)
			return ok && m.retry
		}
	}
	return &Retrier{p: p}
}

// Do calls op until it succeeds, fails with an error the policy will not
// retry, runs out of attempts, or ctx ends. The returned error has any
// Retryable or Permanent mark removed.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return unmark(last)
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		if IsPermanent(err) || !r.p.retryIf(err) || attempt >= r.p.attempts {
			return unmark(err)
		}

		delay := r.delay(attempt)
		if r.p.onRetry != nil {
			r.p.onRetry(attempt, err, delay)
		}
		if r.p.sleep(ctx, delay) != nil {
			return unmark(last)
		}
	}
}

func unmark(err error) error {
	if m, ok := err.(*marked); ok {
		return m.err
	}
	return err
}

// delay is the wait after the given failed attempt.
func (r *Retrier) delay(attempt int) time.Duration {
	d := r.p.base
	for i := 1; i < attempt && d < r.p.maxDelay; i++ {
		d *= 2
	}
	d = min(d, r.p.maxDelay)
	if r.p.jitter > 0 {
		d += time.Duration(float64(d) * r.p.jitter * (rand.Float64()*2 - 1))
	}
	return max(d, 0)
}

// Do runs op under a one-off Retrier.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	return New(opts...).Do(ctx, op)
}

// RemoteWriteRetrier is for remote store upserts: 3 attempts from 200ms,
// capped at 2s. Upserts are idempotent, so every transient failure is
// retried.
func RemoteWriteRetrier(opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(3),
		WithInitialDelay(200 * time.Millisecond),
		WithMaxDelay(2 * time.Second),
		WithJitter(0.2),
		WithRetryIf(IsTransient),
	}
	return New(append(base, opts...)...)
}

// ConnectRetrier is for the startup dial: 5 attempts from 500ms, capped
// at 5s.
func ConnectRetrier(opts ...Option) *Retrier {
	base := []Option{
		WithMaxAttempts(5),
		WithInitialDelay(500 * time.Millisecond),
		WithMaxDelay(5 * time.Second),
		WithJitter(0.1),
		WithRetryIf(IsTransient),
	}
	return New(append(base, opts...)...)
}
