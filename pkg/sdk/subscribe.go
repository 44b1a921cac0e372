package sdk

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yepanywhere/relay/internal/protocol"
)

// eventBuffer is the per-subscription queue between the read loop and
// the handler goroutine.
const eventBuffer = 256

// SubscriptionHandlers carries the callbacks for one subscription.
type SubscriptionHandlers struct {
	// OnEvent receives every event in order, from a goroutine dedicated
	// to this subscription.
	OnEvent func(Event)

	// OnClose runs once when the subscription ends abnormally: the
	// gateway refused it with a *StatusError, or the connection died
	// with ErrConnectionLost. It does not run after a manual Close.
	OnClose func(error)
}

// Subscription is one live event stream.
type Subscription struct {
	id string
	c  *Client

	events chan Event
	quit   chan struct{}
	once   sync.Once

	// err is written inside once, before quit closes.
	err error
}

// Subscribe opens an event stream on a channel. "session" streams one
// agent session and requires sessionID; "activity" streams origin-wide
// records and ignores it. Refusals surface through handlers.OnClose,
// not as a return value, because the gateway answers asynchronously.
func (c *Client) Subscribe(channel, sessionID string, handlers SubscriptionHandlers) (*Subscription, error) {
	s := &Subscription{
		id:     uuid.NewString(),
		c:      c,
		events: make(chan Event, eventBuffer),
		quit:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	err := c.send(&protocol.Subscribe{
		SubscriptionID: s.id,
		Channel:        channel,
		SessionID:      sessionID,
	})
	if err != nil {
		c.removeSub(s.id)
		return nil, err
	}

	go s.run(handlers)
	return s, nil
}

// ID returns the subscription id the gateway knows this stream by.
func (s *Subscription) ID() string { return s.id }

// Close ends the subscription and tells the gateway to stop emitting.
// OnClose is not invoked. Safe to call more than once.
func (s *Subscription) Close() error {
	if s.c.removeSub(s.id) {
		s.c.send(&protocol.Unsubscribe{SubscriptionID: s.id})
	}
	s.finish(nil)
	return nil
}

// removeSub detaches a subscription from dispatch. Reports whether it
// was still attached.
func (c *Client) removeSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// deliver hands one event to the handler goroutine. Blocks when the
// buffer is full so ordering survives slow handlers; a closed
// subscription or client unblocks it.
func (s *Subscription) deliver(ev Event, done <-chan struct{}) {
	select {
	case s.events <- ev:
	case <-s.quit:
	case <-done:
	}
}

// finish ends the stream exactly once. A nil error means a deliberate
// close and suppresses OnClose.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.quit)
	})
}

// run pumps events into OnEvent until the subscription ends. Buffered
// events still queued when the stream ends are dropped.
func (s *Subscription) run(h SubscriptionHandlers) {
	for {
		select {
		case ev := <-s.events:
			if h.OnEvent != nil {
				h.OnEvent(ev)
			}
		case <-s.quit:
			if s.err != nil && h.OnClose != nil {
				h.OnClose(s.err)
			}
			return
		}
	}
}
