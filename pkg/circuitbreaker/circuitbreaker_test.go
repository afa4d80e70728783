package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}
	var transitions []string
	cb := RemoteStoreBreaker(time.Minute,
		WithClock(clock.Now),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	}
	assert.True(t, cb.IsOpen())

	calls := 0
	err := cb.Execute(context.Background(), func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejection(err))
	assert.Zero(t, calls)

	clock.now = clock.now.Add(time.Minute)
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.True(t, cb.IsClosed())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)}
	cb := New("test", WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock.Now))

	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, StateOpen, cb.State())

	clock.now = clock.now.Add(time.Second)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), ok), ErrCircuitOpen)
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	cb := New("test",
		WithFailureThreshold(1),
		WithIsFailure(func(err error) bool { return !errors.Is(err, context.Canceled) }),
	)

	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.True(t, cb.IsClosed())
	assert.Equal(t, 1, cb.Counts().TotalSuccesses)
}

func TestBreaker_Reset(t *testing.T) {
	cb := New("test", WithFailureThreshold(1))
	_ = cb.Execute(context.Background(), fail)
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.True(t, cb.IsClosed())
	assert.Equal(t, Counts{}, cb.Counts())
	assert.Equal(t, "test", cb.Name())
}
