package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yepanywhere/relay/internal/events"
	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/supervisor"
)

// Channel names exposed through subscribe.
const (
	channelSession  = "session"
	channelActivity = "activity"
)

// subscription is one open channel on a connection. Events are emitted
// from heartbeat and listener goroutines; the connection's send channel
// serializes them onto the socket.
type subscription struct {
	id      string
	channel string
	conn    *conn

	eventSeq      atomic.Int64
	stopHeartbeat chan struct{}
	closers       []func()
	closeOnce     sync.Once
}

func (c *conn) newSubscription(id, channel string) *subscription {
	return &subscription{
		id:            id,
		channel:       channel,
		conn:          c,
		stopHeartbeat: make(chan struct{}),
	}
}

// nextEventID yields "1", "2", ... per subscription. Only data events
// consume ids; heartbeats carry none.
func (s *subscription) nextEventID() string {
	return strconv.FormatInt(s.eventSeq.Add(1), 10)
}

func (s *subscription) emitData(eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("[Gateway] cannot marshal event data", "eventType", eventType, "error", err)
		return
	}
	s.conn.sendMessage(&protocol.Event{
		SubscriptionID: s.id,
		EventType:      eventType,
		EventID:        s.nextEventID(),
		Data:           raw,
	})
}

func (s *subscription) emitHeartbeat() {
	s.conn.sendMessage(&protocol.Event{SubscriptionID: s.id, EventType: "heartbeat"})
}

func (s *subscription) startHeartbeat(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.emitHeartbeat()
			case <-s.stopHeartbeat:
				return
			}
		}
	}()
}

// close stops the heartbeat and runs the recorded closers. Idempotent.
func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.stopHeartbeat)
		for _, fn := range s.closers {
			fn()
		}
	})
}

// ============================================================================
// SUBSCRIBE / UNSUBSCRIBE HANDLERS
// ============================================================================

func (c *conn) handleSubscribe(req *protocol.Subscribe) {
	if _, dup := c.subs[req.SubscriptionID]; dup {
		c.subscribeError(req.SubscriptionID, 400, "duplicate subscriptionId")
		return
	}

	switch req.Channel {
	case channelSession:
		c.subscribeSession(req)
	case channelActivity:
		c.subscribeActivity(req)
	default:
		c.subscribeError(req.SubscriptionID, 400, fmt.Sprintf("unknown channel %q", req.Channel))
	}
}

// handleUnsubscribe runs the recorded closer. A second unsubscribe for
// the same id finds nothing and does nothing.
func (c *conn) handleUnsubscribe(req *protocol.Unsubscribe) {
	sub, ok := c.subs[req.SubscriptionID]
	if !ok {
		return
	}
	sub.close()
	delete(c.subs, req.SubscriptionID)
	for i, id := range c.subOrder {
		if id == req.SubscriptionID {
			c.subOrder = append(c.subOrder[:i], c.subOrder[i+1:]...)
			break
		}
	}
	c.g.metrics.RecordSubscription(false)
}

// subscribeError answers a failed subscribe on the response path, with
// the subscription id standing in for a request id.
func (c *conn) subscribeError(subscriptionID string, status int, message string) {
	c.sendMessage(&protocol.Response{
		ID:     subscriptionID,
		Status: status,
		Body:   mustJSON(map[string]string{"error": message}),
	})
}

func (c *conn) addSubscription(s *subscription) {
	c.subs[s.id] = s
	c.subOrder = append(c.subOrder, s.id)
	c.g.metrics.RecordSubscription(true)
}

// ============================================================================
// SESSION CHANNEL
// ============================================================================

// subscribeSession attaches to a live agent process: connected snapshot,
// history replay, streaming catch-up, then live events. The live listener
// attaches only after replay so no message is delivered twice. A
// lastEventId is accepted but has nothing to replay against; the process
// buffer is the only history kept.
func (c *conn) subscribeSession(req *protocol.Subscribe) {
	if req.SessionID == "" {
		c.subscribeError(req.SubscriptionID, 400, "session channel requires sessionId")
		return
	}
	proc, ok := c.g.supervisor.ProcessForSession(req.SessionID)
	if !ok {
		c.subscribeError(req.SubscriptionID, 404, fmt.Sprintf("no process for session %q", req.SessionID))
		return
	}

	s := c.newSubscription(req.SubscriptionID, channelSession)

	connected := map[string]any{
		"processId":      proc.ID(),
		"sessionId":      proc.SessionID(),
		"state":          string(proc.State()),
		"permissionMode": proc.PermissionMode(),
		"modeVersion":    proc.ModeVersion(),
		"provider":       proc.Provider(),
		"model":          proc.Model(),
	}
	if pending := proc.PendingRequest(); pending != nil {
		connected["request"] = pending
	}
	s.emitData("connected", connected)

	for _, msg := range proc.MessageHistory() {
		s.emitData("message", msg)
	}

	if content := proc.StreamingContent(); content != "" {
		s.emitData("pending", map[string]any{
			"content": content,
			"html":    c.g.augmenter.Render(content),
		})
	}

	unsub := proc.Subscribe(func(e supervisor.Event) {
		s.relayProcessEvent(e)
	})
	s.closers = append(s.closers, unsub)

	s.startHeartbeat(c.g.cfg.HeartbeatInterval)
	c.addSubscription(s)
}

// relayProcessEvent translates a live process event to the wire. Stream
// deltas pass through the augmenter; everything else forwards under its
// own name.
func (s *subscription) relayProcessEvent(e supervisor.Event) {
	if e.Type == supervisor.EventStreamDelta {
		data := make(map[string]any, len(e.Data)+1)
		for k, v := range e.Data {
			data[k] = v
		}
		content, _ := e.Data["content"].(string)
		data["html"] = s.conn.g.augmenter.Render(content)
		s.emitData("markdown-augment", data)
		return
	}
	s.emitData(string(e.Type), e.Data)
}

// ============================================================================
// ACTIVITY CHANNEL
// ============================================================================

// subscribeActivity forwards the whole activity bus: connected first,
// then every published record under its own type.
func (c *conn) subscribeActivity(req *protocol.Subscribe) {
	s := c.newSubscription(req.SubscriptionID, channelActivity)
	s.emitData("connected", map[string]any{})

	unsub := c.g.bus.Subscribe(func(e events.Event) {
		s.emitData(e.Type, e)
	})
	s.closers = append(s.closers, unsub)

	s.startHeartbeat(c.g.cfg.HeartbeatInterval)
	c.addSubscription(s)
}
