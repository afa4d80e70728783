package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestDo_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	}, WithMaxAttempts(5), WithSleep(noSleep))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsUnwrappedErrorAfterLastAttempt(t *testing.T) {
	base := errors.New("still down")
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(base)
	}, WithMaxAttempts(3), WithSleep(noSleep))

	assert.Same(t, base, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentAndUnclassifiedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", Permanent(errors.New("bad request"))},
		{"unclassified", errors.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), func(context.Context) error {
				calls++
				return tt.err
			}, WithMaxAttempts(4), WithSleep(noSleep))

			assert.Error(t, err)
			assert.False(t, IsPermanent(err))
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_OnRetryAndBackoff(t *testing.T) {
	var delays []time.Duration
	err := Do(context.Background(), func(context.Context) error {
		return Retryable(errors.New("x"))
	},
		WithMaxAttempts(4),
		WithInitialDelay(10*time.Millisecond),
		WithMaxDelay(25*time.Millisecond),
		WithJitter(0),
		WithSleep(noSleep),
		WithOnRetry(func(_ int, _ error, d time.Duration) { delays = append(delays, d) }),
	)

	require.Error(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}, delays)
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRemoteWriteRetrier_SkipsCancellation(t *testing.T) {
	calls := 0
	err := RemoteWriteRetrier(WithSleep(noSleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)

	calls = 0
	err = RemoteWriteRetrier(WithSleep(noSleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(Permanent(errors.New("x"))))
	assert.True(t, IsTransient(errors.New("timeout talking to server")))
}
