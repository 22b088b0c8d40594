package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles one event. It runs on the delivery goroutine and
// must not block for long.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event is delivered.
type EventFilter func(event engine.Event) bool

type subscription struct {
	handle EventSubscriber
	accept EventFilter
}

// EventPublisher fans engine events out to subscribers in publish order. In
// async mode a single goroutine drains a bounded queue; Shutdown waits for it.
type EventPublisher struct {
	cfg   EventsConfig
	queue chan engine.Event
	done  chan struct{}

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	stopped bool

	dropped atomic.Uint64
	stop    sync.Once
}

var _ engine.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher starts the delivery goroutine when cfg is async.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg, done: make(chan struct{})}
	if !cfg.Enabled || !cfg.EnableAsync {
		close(ep.done)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}

	ep.queue = make(chan engine.Event, cfg.BufferSize)
	go ep.drain()
	return ep, nil
}

// Publish stamps the event with an id and time and hands it to subscribers.
// When the async queue is full the event is dropped and counted, so a slow
// subscriber never stalls a fleet run.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if !ep.cfg.Enabled || event == nil {
		return nil
	}

	e := *event
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.stopped {
		return ErrPublisherStopped
	}
	for _, accept := range ep.filters {
		if !accept(e) {
			return nil
		}
	}

	if ep.queue == nil {
		ep.deliver(e)
		return nil
	}
	select {
	case ep.queue <- e:
		return nil
	default:
		ep.dropped.Add(1)
		return fmt.Errorf("event queue full, %s event for run %s dropped", e.Type, e.RunID)
	}
}

// Subscribe registers handle for events accepted by filter. A nil filter accepts all.
func (ep *EventPublisher) Subscribe(handle EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{handle: handle, accept: filter})
}

// AddFilter drops events rejected by filter before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// Dropped is the number of events lost to a full queue.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for e := range ep.queue {
		ep.mu.RLock()
		ep.deliver(e)
		ep.mu.RUnlock()
	}
}

// deliver runs with ep.mu held for reading.
func (ep *EventPublisher) deliver(e engine.Event) {
	for _, s := range ep.subs {
		if s.accept == nil || s.accept(e) {
			s.handle(e)
		}
	}
}

// Shutdown rejects further events and waits until queued ones are delivered
// or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stop.Do(func() {
		ep.mu.Lock()
		ep.stopped = true
		ep.mu.Unlock()
		if ep.queue != nil {
			close(ep.queue)
		}
	})

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events not drained: %w", ctx.Err())
	}
}

func levelRank(level string) int {
	switch level {
	case EventLevelWarning:
		return 1
	case EventLevelError:
		return 2
	}
	return 0
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(e engine.Event) bool { return levelRank(e.Level) >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	return func(e engine.Event) bool { return slices.Contains(types, e.Type) }
}

// FilterByRunID accepts events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e engine.Event) bool { return e.RunID == runID }
}

// FilterByDeviceID accepts events of one device.
func FilterByDeviceID(deviceID string) EventFilter {
	return func(e engine.Event) bool { return e.DeviceID == deviceID }
}
