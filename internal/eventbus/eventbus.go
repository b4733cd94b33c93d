// Package eventbus provides a typed pub/sub bus for orchestrator lifecycle
// events (session created/destroyed, backend health changes, hot-swaps,
// security blocks).
//
// Subscribers receive events on a buffered channel. Publishing never blocks:
// if a subscriber's buffer is full the event is dropped for that subscriber
// and counted in the bus metrics. This bounds memory regardless of how slow
// a consumer is.
package eventbus

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionDestroyed EventType = "session_destroyed"
	EventSessionIdle      EventType = "session_idle"
	EventBackendAdded     EventType = "backend_added"
	EventBackendRemoved   EventType = "backend_removed"
	EventBackendHealthy   EventType = "backend_healthy"
	EventBackendUnhealthy EventType = "backend_unhealthy"
	EventBackendSwapped   EventType = "backend_swapped"
	EventBackendFailover  EventType = "backend_failover"
	EventCaptureStarted   EventType = "capture_started"
	EventCaptureStopped   EventType = "capture_stopped"
	EventCommandBlocked   EventType = "command_blocked"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// SessionID is set for session-scoped events.
	SessionID string

	// BackendID is set for backend-scoped events.
	BackendID string

	// Detail carries event-specific context (reason strings, identities).
	Detail map[string]string
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

// Metrics reports bus activity counters.
type Metrics struct {
	EventsPublished   uint64
	EventsDropped     uint64
	SubscribersActive int
}

// Bus is a non-blocking fan-out event bus.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool

	published uint64
	dropped   uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.nextID
	b.nextID++

	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, unsub
}

// Publish delivers an event to all subscribers without blocking.
// Events published after Close are silently discarded.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.published++

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		EventsPublished:   b.published,
		EventsDropped:     b.dropped,
		SubscribersActive: len(b.subscribers),
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
