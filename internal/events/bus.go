package events

import (
	"log"
	"sync"
	"time"
)

// Event is one record published on the activity bus. Subscribers treat it
// as opaque: the gateway forwards the whole record to remote clients.
type Event struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Listener receives published events. Listeners run on the publisher's
// goroutine and must hand off work instead of blocking.
type Listener func(Event)

// Bus is the in-process activity bus. Publish fans out to every listener;
// Subscribe returns an idempotent unsubscribe closure.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	logger    *log.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
		logger:    log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers a listener for every published event. The returned
// closure removes the listener; calling it more than once is a no-op.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every registered listener. A panicking
// listener is logged and skipped; it never takes down the publisher.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		snapshot = append(snapshot, fn)
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		b.deliver(fn, event)
	}
}

func (b *Bus) deliver(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("listener panic on %q event: %v", event.Type, r)
		}
	}()
	fn(event)
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, sessionID string, data map[string]any) {
	b.Publish(Event{Type: eventType, SessionID: sessionID, Data: data})
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
