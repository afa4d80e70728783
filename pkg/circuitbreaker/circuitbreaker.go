// Package circuitbreaker keeps the sync loop from hammering a remote store
// that is down. After a run of failures every call is rejected until a
// cool-down has passed; then a single probe decides whether to close again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects every call until the cool-down ends.
	StateOpen
	// StateHalfOpen lets one probe through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

var (
	// ErrCircuitOpen rejects calls while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight rejects calls made while the half-open probe runs.
	ErrProbeInFlight = errors.New("circuit breaker probe in flight")
)

// IsRejection reports whether err came from the breaker rather than from the
// protected call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrProbeInFlight)
}

type settings struct {
	threshold     int
	coolDown      time.Duration
	now           func() time.Time
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
}

// Option tunes a breaker.
type Option func(*settings)

// WithFailureThreshold sets how many consecutive failures open the breaker.
func WithFailureThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithTimeout sets how long the breaker stays open.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.coolDown = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIsFailure decides which errors count against the breaker. Errors it
// rejects are recorded as successes.
func WithIsFailure(fn func(error) bool) Option {
	return func(s *settings) { s.isFailure = fn }
}

// WithOnStateChange is called with the lock held on every transition.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(s *settings) { s.onStateChange = fn }
}

// Counts are lifetime call totals plus the current failure run.
type Counts struct {
	Requests            int
	TotalSuccesses      int
	TotalFailures       int
	ConsecutiveFailures int
}

// CircuitBreaker guards calls to one dependency.
type CircuitBreaker struct {
	name string
	set  settings

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probing  bool
}

// New returns a closed breaker. Without options it opens after 5 failures
// and cools down for 30s.
func New(name string, opts ...Option) *CircuitBreaker {
	set := settings{threshold: 5, coolDown: 30 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(&set)
	}
	return &CircuitBreaker{name: name, set: set}
}

// RemoteStoreBreaker opens after three straight failures and probes again
// after coolDown, normally one pull interval.
func RemoteStoreBreaker(coolDown time.Duration, opts ...Option) *CircuitBreaker {
	base := []Option{WithFailureThreshold(3), WithTimeout(coolDown)}
	return New("remote-store", append(base, opts...)...)
}

// Execute runs fn unless the breaker rejects it.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.set.now().Sub(cb.openedAt) < cb.set.coolDown {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			return ErrProbeInFlight
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.Requests++
	failed := err != nil
	if failed && cb.set.isFailure != nil {
		failed = cb.set.isFailure(err)
	}

	if !failed {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.set.threshold {
		cb.openedAt = cb.set.now()
		cb.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	cb.probing = false
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	if to != StateOpen {
		cb.counts.ConsecutiveFailures = 0
	}
	if cb.set.onStateChange != nil {
		cb.set.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// passed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool   { return cb.State() == StateOpen }
func (cb *CircuitBreaker) IsClosed() bool { return cb.State() == StateClosed }

// Counts returns a copy of the call totals.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker and clears its counts without firing the
// state-change hook.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.counts = Counts{}
	cb.probing = false
}

func (cb *CircuitBreaker) Name() string { return cb.name }
