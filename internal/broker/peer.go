package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds both control and piped messages. The gateway
	// behind the pipe reads at the same limit, so nothing larger is ever
	// legitimate.
	maxMessageSize = 1 << 20
	peerSendBuffer = 256
)

// outFrame preserves the WebSocket message type across the pipe: text
// stays text, binary stays binary.
type outFrame struct {
	messageType int
	data        []byte
}

// peer is one accepted socket. Before pairing it speaks the control
// protocol; after pairing every received message is forwarded to the
// counterpart verbatim.
type peer struct {
	b  *Broker
	ws *websocket.Conn

	send     chan outFrame
	closeReq chan struct{}
	done     chan struct{}
	once     sync.Once

	// Set during registration, read under b.mu or on this goroutine.
	role      string
	username  string
	installID string
	pairID    string

	counterpart atomic.Pointer[peer]
}

func newPeer(b *Broker, ws *websocket.Conn) *peer {
	return &peer{
		b:        b,
		ws:       ws,
		send:     make(chan outFrame, peerSendBuffer),
		closeReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// run serves the socket until it closes, then releases broker state.
// Blocks the caller.
func (p *peer) run() {
	defer func() {
		p.shutdown()
		p.b.release(p)
	}()
	go p.writePump()
	p.readPump()
}

func (p *peer) shutdown() {
	p.once.Do(func() {
		close(p.done)
		p.ws.Close()
	})
}

// readPump handles the single control exchange and then forwards. After a
// rejection the loop keeps draining until writePump flushes the reason
// and drops the socket.
func (p *peer) readPump() {
	live := p.b.cfg.Liveness
	p.ws.SetReadLimit(maxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(live.PongTimeout()))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(live.PongTimeout()))
	})

	mt, data, err := p.ws.ReadMessage()
	if err != nil {
		return
	}
	if mt != websocket.TextMessage {
		slog.Warn("[Broker] control exchange must be text, closing")
		return
	}
	ctrl, err := decodeControl(data)
	if err != nil {
		slog.Warn("[Broker] bad control message", "error", err)
		return
	}

	switch ctrl.Type {
	case typeServerRegister:
		p.role = "origin"
		p.b.metrics.RecordConnection("origin")
		if !p.b.registerOrigin(p, ctrl) {
			p.requestClose()
		}
	case typeClientConnect:
		p.role = "client"
		p.b.metrics.RecordConnection("client")
		if !p.b.connectClient(p, ctrl) {
			p.requestClose()
		}
	default:
		p.b.metrics.RecordConnection("unknown")
		slog.Warn("[Broker] unexpected first message", "type", ctrl.Type)
		return
	}

	for {
		mt, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		other := p.counterpart.Load()
		if other == nil {
			// Waiting origins and rejected peers have nowhere to send.
			slog.Warn("[Broker] dropping message from unpaired socket",
				"role", p.role, "username", p.username, "bytes", len(data))
			continue
		}
		p.b.metrics.RecordPiped(len(data))
		other.enqueue(outFrame{messageType: mt, data: data})
	}
}

func (p *peer) writePump() {
	live := p.b.cfg.Liveness
	ticker := time.NewTicker(live.PingInterval())
	defer func() {
		ticker.Stop()
		p.shutdown()
	}()

	for {
		select {
		case f := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			if err := p.ws.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
			n := len(p.send)
			for i := 0; i < n; i++ {
				f = <-p.send
				if err := p.ws.WriteMessage(f.messageType, f.data); err != nil {
					return
				}
			}

		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.closeReq:
			p.ws.SetWriteDeadline(time.Now().Add(live.WriteTimeout()))
			n := len(p.send)
			for i := 0; i < n; i++ {
				f := <-p.send
				if err := p.ws.WriteMessage(f.messageType, f.data); err != nil {
					return
				}
			}
			p.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-p.done:
			return
		}
	}
}

// requestClose asks writePump to flush queued frames, send a normal close
// and drop the socket.
func (p *peer) requestClose() {
	select {
	case p.closeReq <- struct{}{}:
	default:
	}
}

func (p *peer) sendControl(m *controlMessage) {
	p.enqueue(outFrame{messageType: websocket.TextMessage, data: encodeControl(m)})
}

// enqueue hands a frame to writePump without blocking the reader. A full
// buffer means the counterpart cannot keep up; the pair is torn down
// rather than stalling the pipe.
func (p *peer) enqueue(f outFrame) {
	select {
	case p.send <- f:
	case <-p.done:
	default:
		slog.Warn("[Broker] peer send buffer full, closing",
			"role", p.role, "username", p.username)
		p.shutdown()
	}
}
