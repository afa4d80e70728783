package messaging

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eightweek/companion/internal/domain/shared"
)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var toggled, all []shared.EventType
	_, err := bus.Subscribe(shared.EventTaskToggled, func(e shared.Event) error {
		toggled = append(toggled, e.EventType())
		return nil
	})
	require.NoError(t, err)
	_, err = bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(shared.NewTaskToggledEvent("alice", "t1", true)))
	require.NoError(t, bus.Publish(shared.NewActivityRecordedEvent("alice", "2026-03-10", 1)))

	assert.Equal(t, []shared.EventType{shared.EventTaskToggled}, toggled)
	assert.Equal(t, []shared.EventType{shared.EventTaskToggled, shared.EventActivityRecorded}, all)
}

func TestInMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	calls := 0
	unsubscribe, err := bus.Subscribe(shared.EventNoteAdded, func(shared.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(shared.NewNoteAddedEvent("", "arrays", "2026-03-10")))
	unsubscribe()
	require.NoError(t, bus.Publish(shared.NewNoteAddedEvent("", "arrays", "2026-03-10")))

	assert.Equal(t, 1, calls)
}

func TestInMemoryEventBus_HandlerFailuresAreContained(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	reached := false
	_, _ = bus.SubscribeAll(func(shared.Event) error { panic("boom") })
	_, _ = bus.SubscribeAll(func(shared.Event) error { return errors.New("nope") })
	_, _ = bus.SubscribeAll(func(shared.Event) error {
		reached = true
		return nil
	})

	assert.NoError(t, bus.Publish(shared.NewDataResetEvent("alice")))
	assert.True(t, reached)
}

func TestInMemoryEventBus_AsyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	_, err := bus.Subscribe(shared.EventActivityRecorded, func(shared.Event) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(shared.NewActivityRecordedEvent("bob", "2026-03-10", 1)))
	}
	wg.Wait()
	require.NoError(t, bus.Close())

	assert.Equal(t, int32(10), count.Load())
}

func TestInMemoryEventBus_Closed(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(shared.NewDataResetEvent("")), ErrEventBusClosed)
	_, err := bus.Subscribe(shared.EventDataReset, func(shared.Event) error { return nil })
	assert.ErrorIs(t, err, ErrEventBusClosed)
	_, err = bus.SubscribeAll(nil)
	assert.ErrorIs(t, err, ErrNilHandler)
	assert.ErrorIs(t, bus.Publish(nil), ErrNilEvent)
}
