package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/srp"
)

type authState string

const (
	stateUnauthenticated authState = "unauthenticated"
	stateWaitingProof    authState = "srp_waiting_proof"
	stateAuthenticated   authState = "authenticated"
)

const (
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// conn is one remote-client connection. readPump owns all reads and runs
// every handler inline, so handler state (auth, subscription and upload
// tables) needs no locking; writePump owns all writes. Subscription
// goroutines reach the socket only through the send channel.
type conn struct {
	g        *Gateway
	ws       *websocket.Conn
	send     chan []byte
	closeReq chan struct{}
	done     chan struct{}
	once     sync.Once

	// Owned by readPump.
	state        authState
	plaintext    bool
	srpSession   *srp.ServerSession
	identity     string
	authFailures int

	// Written by readPump, read by subscription goroutines.
	key atomic.Pointer[[protocol.KeySize]byte]

	subs        map[string]*subscription
	subOrder    []string
	uploads     map[string]*uploadEntry
	uploadOrder []string
}

func newConn(g *Gateway, ws *websocket.Conn, local bool) *conn {
	c := &conn{
		g:        g,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		closeReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
		state:    stateUnauthenticated,
		subs:     make(map[string]*subscription),
		uploads:  make(map[string]*uploadEntry),
	}
	if local {
		// Loopback connections skip SRP and stay plaintext: no key, no
		// envelopes, full application access.
		c.state = stateAuthenticated
		c.plaintext = true
	}
	return c
}

// run serves the connection until it closes. It blocks the caller.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

// shutdown closes the socket exactly once. Cleanup of subscriptions and
// uploads happens on the readPump goroutine, which owns those tables.
func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// ============================================================================
// PUMPS
// ============================================================================

func (c *conn) readPump() {
	defer func() {
		c.shutdown()
		c.cleanup()
	}()

	live := c.g.cfg.Liveness
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(live.PongTimeout()))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(live.PongTimeout()))
		return nil
	})

	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Gateway] connection error", "error", err)
			}
			return
		}

		var m protocol.Message
		var derr error
		switch mt {
		case websocket.BinaryMessage:
			m, derr = protocol.DecodeFrame(payload)
		case websocket.TextMessage:
			// Browser peers send text; treat it as a JSON payload.
			m, derr = protocol.DecodeText(payload)
		default:
			continue
		}
		if derr != nil {
			if kind, ok := protocol.FrameErrorOf(derr); ok {
				c.g.metrics.RecordFrameError(string(kind))
				slog.Warn("[Gateway] dropping undecodable frame", "kind", string(kind), "error", derr)
			} else {
				slog.Warn("[Gateway] dropping message", "error", derr)
			}
			continue
		}

		c.dispatch(m)
	}
}

func (c *conn) writePump() {
	live := c.g.cfg.Liveness
	ticker := time.NewTicker(live.PingInterval())
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Warn("[Gateway] write failed", "error", err)
				return
			}
			// Drain whatever queued while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.BinaryMessage, <-c.send); err != nil {
					slog.Warn("[Gateway] write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeReq:
			// Flush whatever is queued, say goodbye, then drop the socket.
			c.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.BinaryMessage, <-c.send); err != nil {
					return
				}
			}
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.done:
			return
		}
	}
}

// requestClose asks writePump to flush queued frames and close. Used when
// the reply explaining the close must still reach the peer.
func (c *conn) requestClose() {
	select {
	case c.closeReq <- struct{}{}:
	default:
	}
}

// ============================================================================
// DISPATCH
// ============================================================================

// dispatch routes one decoded message by connection state. Handlers run
// to completion before the next message is read, so an upload_end can
// never race its own trailing chunk.
func (c *conn) dispatch(m protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Gateway] handler panic", "type", string(m.MessageType()), "panic", r)
		}
	}()

	c.g.metrics.RecordMessage(string(m.MessageType()))

	if c.state != stateAuthenticated {
		c.handleAuth(m)
		return
	}

	if env, ok := m.(*protocol.Encrypted); ok {
		key := c.key.Load()
		if key == nil {
			slog.Warn("[Gateway] dropping envelope on plaintext connection")
			return
		}
		frame, err := protocol.Open(env, key)
		if err != nil {
			// MAC failures stay silent on the wire.
			c.g.metrics.RecordDecryptFailure()
			return
		}
		inner, err := protocol.DecodeFrame(frame)
		if err != nil {
			if kind, ok := protocol.FrameErrorOf(err); ok {
				c.g.metrics.RecordFrameError(string(kind))
				slog.Warn("[Gateway] dropping undecodable inner frame", "kind", string(kind))
			} else {
				slog.Warn("[Gateway] dropping inner message", "error", err)
			}
			return
		}
		c.dispatchApp(inner)
		return
	}

	if c.plaintext {
		// Local connections carry application messages unwrapped.
		c.dispatchApp(m)
		return
	}

	if hello, ok := m.(*protocol.SRPHello); ok {
		// A fresh hello on an authenticated connection starts over.
		c.resetAuth()
		c.handleHello(hello)
		return
	}

	slog.Warn("[Gateway] dropping plaintext message while authenticated",
		"type", string(m.MessageType()))
}

func (c *conn) dispatchApp(m protocol.Message) {
	switch v := m.(type) {
	case *protocol.Request:
		c.handleRequest(v)
	case *protocol.Subscribe:
		c.handleSubscribe(v)
	case *protocol.Unsubscribe:
		c.handleUnsubscribe(v)
	case *protocol.UploadStart:
		c.handleUploadStart(v)
	case *protocol.UploadChunk:
		c.handleUploadChunk(v)
	case *protocol.UploadEnd:
		c.handleUploadEnd(v)
	case *protocol.BinaryChunk:
		slog.Warn("[Gateway] dropping binary chunk frame", "bytes", len(v.Data))
	default:
		slog.Warn("[Gateway] dropping unexpected message", "type", string(m.MessageType()))
	}
}

// ============================================================================
// SENDING
// ============================================================================

// sendMessage encodes m, seals it when a session key is installed, and
// queues the frame. Safe from any goroutine.
func (c *conn) sendMessage(m protocol.Message) {
	var frame []byte
	var err error
	if key := c.key.Load(); key != nil {
		frame, err = protocol.SealFrame(m, key)
	} else {
		frame, err = protocol.EncodeFrame(m)
	}
	if err != nil {
		slog.Error("[Gateway] encode failed", "type", string(m.MessageType()), "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// A client that cannot drain its socket loses the connection, not
		// individual messages.
		slog.Warn("[Gateway] send buffer full, closing connection")
		c.shutdown()
	}
}

// ============================================================================
// CLEANUP
// ============================================================================

// cleanup cancels subscriptions then uploads, each newest-first, after
// the connection is gone. Runs on the readPump goroutine only.
func (c *conn) cleanup() {
	for i := len(c.subOrder) - 1; i >= 0; i-- {
		id := c.subOrder[i]
		if sub, ok := c.subs[id]; ok {
			sub.close()
			delete(c.subs, id)
			c.g.metrics.RecordSubscription(false)
		}
	}
	c.subOrder = nil

	for i := len(c.uploadOrder) - 1; i >= 0; i-- {
		id := c.uploadOrder[i]
		if up, ok := c.uploads[id]; ok {
			c.g.sink.CancelUpload(up.serverID)
			delete(c.uploads, id)
		}
	}
	c.uploadOrder = nil
}
