package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(Event{Type: EventSessionCreated, SessionID: "s-123"})

	select {
	case event := <-events:
		if event.Type != EventSessionCreated {
			t.Errorf("expected EventSessionCreated, got %v", event.Type)
		}
		if event.SessionID != "s-123" {
			t.Errorf("expected session ID s-123, got %v", event.SessionID)
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped on publish")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	events1, unsub1 := bus.Subscribe()
	defer unsub1()

	events2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(Event{Type: EventBackendUnhealthy, BackendID: "tmux-0"})

	var wg sync.WaitGroup
	wg.Add(2)

	received := make([]bool, 2)

	go func() {
		defer wg.Done()
		select {
		case <-events1:
			received[0] = true
		case <-time.After(100 * time.Millisecond):
		}
	}()

	go func() {
		defer wg.Done()
		select {
		case <-events2:
			received[1] = true
		case <-time.After(100 * time.Millisecond):
		}
	}()

	wg.Wait()

	if !received[0] || !received[1] {
		t.Errorf("not all subscribers received event: %v", received)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	events, unsub := bus.Subscribe()

	unsub()

	// Channel should be closed
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout - channel not closed")
	}

	// Second unsubscribe must be a no-op
	unsub()
}

func TestBusClose(t *testing.T) {
	bus := New()

	events1, _ := bus.Subscribe()
	events2, _ := bus.Subscribe()

	bus.Close()

	for i, events := range []<-chan Event{events1, events2} {
		select {
		case _, ok := <-events:
			if ok {
				t.Errorf("expected channel %d to be closed", i+1)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout - channel %d not closed", i+1)
		}
	}

	// Publishing after close must not panic
	bus.Publish(Event{Type: EventSessionDestroyed})
}

func TestBusSubscriberCount(t *testing.T) {
	bus := New()
	defer bus.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	_, unsub1 := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	_, unsub2 := bus.Subscribe()
	if bus.SubscriberCount() != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	unsub1()
	if bus.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber after unsub, got %d", bus.SubscriberCount())
	}

	unsub2()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsub, got %d", bus.SubscriberCount())
	}
}

func TestBusNonBlocking(t *testing.T) {
	bus := New()
	defer bus.Close()

	// Subscribe but don't read
	_, _ = bus.Subscribe()

	// Fill the buffer
	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(Event{Type: EventSessionCreated, SessionID: "fill"})
	}

	// Publishing more should not block
	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: EventSessionCreated, SessionID: "overflow"})
		}
		done <- true
	}()

	select {
	case <-done:
		// Good - didn't block
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked with full subscriber buffer")
	}

	m := bus.Metrics()
	if m.EventsDropped != 10 {
		t.Errorf("expected 10 dropped events, got %d", m.EventsDropped)
	}
}

func TestBusMetrics(t *testing.T) {
	bus := New()
	defer bus.Close()

	m := bus.Metrics()
	if m.EventsPublished != 0 {
		t.Errorf("expected 0 events published, got %d", m.EventsPublished)
	}
	if m.SubscribersActive != 0 {
		t.Errorf("expected 0 active subscribers, got %d", m.SubscribersActive)
	}

	events, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(Event{Type: EventCaptureStarted, SessionID: "s-1"})
	<-events

	m = bus.Metrics()
	if m.EventsPublished != 1 {
		t.Errorf("expected 1 event published, got %d", m.EventsPublished)
	}
	if m.SubscribersActive != 1 {
		t.Errorf("expected 1 active subscriber, got %d", m.SubscribersActive)
	}
}
