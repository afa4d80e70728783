// Package messaging implements the in-process event bus that carries domain
// events from the progress store to the reconciler and other observers.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eightweek/companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "companion_events_published_total",
		Help: "Domain events published by type",
	}, []string{"event_type"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "companion_event_handler_duration_seconds",
		Help:    "Event handler duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"event_type", "result"})
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrNilEvent is returned when publishing a nil event.
	ErrNilEvent = errors.New("event cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

type subscription struct {
	id      uint64
	handler shared.EventHandler
}

// InMemoryEventBus delivers events to handlers registered in this process.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]subscription
	allHandlers []subscription
	nextID      uint64
	asyncMode   bool
	workerPool  chan struct{}
	logger      *slog.Logger
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode runs handlers on goroutines bounded by WorkerPoolSize.
	// Sync mode runs them on the publisher's goroutine, in order.
	AsyncMode bool

	// WorkerPoolSize is the number of concurrent handler executions.
	WorkerPoolSize int

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 4,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 4
	}

	return &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]subscription),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		logger:     config.Logger.With("component", "eventbus"),
		closeCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) (func(), error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrEventBusClosed
	}

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	b.logger.Debug("subscribed handler", "event_type", eventType)

	return func() { b.remove(eventType, id) }, nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) (func(), error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrEventBusClosed
	}

	b.nextID++
	id := b.nextID
	b.allHandlers = append(b.allHandlers, subscription{id: id, handler: handler})
	b.logger.Debug("subscribed global handler")

	return func() { b.remove("", id) }, nil
}

func (b *InMemoryEventBus) remove(eventType shared.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if eventType == "" {
		b.allHandlers = without(b.allHandlers, id)
		return
	}
	b.handlers[eventType] = without(b.handlers[eventType], id)
	if len(b.handlers[eventType]) == 0 {
		delete(b.handlers, eventType)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish sends an event to all subscribed handlers.
// Handler errors are logged, never returned.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	subs := make([]subscription, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	subs = append(subs, b.handlers[event.EventType()]...)
	subs = append(subs, b.allHandlers...)
	b.mu.RUnlock()

	eventsPublished.WithLabelValues(string(event.EventType())).Inc()

	if len(subs) == 0 {
		b.logger.Debug("no handlers for event", "event_type", event.EventType())
		return nil
	}

	for _, s := range subs {
		if b.asyncMode {
			b.executeAsync(event, s.handler)
			continue
		}
		if err := b.execute(event, s.handler); err != nil {
			b.logger.Error("handler error", "event_type", event.EventType(), "error", err)
		}
	}
	return nil
}

// executeAsync executes a handler asynchronously using the worker pool.
func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		if err := b.execute(event, handler); err != nil {
			b.logger.Error("async handler error", "event_type", event.EventType(), "error", err)
		}
	}()
}

// execute runs one handler, converting a panic into ErrHandlerPanic.
func (b *InMemoryEventBus) execute(event shared.Event, handler shared.EventHandler) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		handlerDuration.WithLabelValues(string(event.EventType()), result).Observe(time.Since(start).Seconds())
	}()

	return handler(event)
}

// Wait blocks until every asynchronous handler started so far has returned.
func (b *InMemoryEventBus) Wait() {
	b.wg.Wait()
}

// Close stops accepting events and waits for pending handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus closed")
	return nil
}
