package origin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yepanywhere/relay/internal/config"
	"github.com/yepanywhere/relay/internal/gateway"
)

const (
	baseRedialDelay  = 2 * time.Second
	maxRedialDelay   = 2 * time.Minute
	redialJitter     = 0.2
	handshakeTimeout = 15 * time.Second
	controlWait      = 10 * time.Second
)

// Broker control protocol, origin side. Mirrors the messages the broker
// speaks before a socket enters pipe mode.
const (
	msgServerRegister   = "server_register"
	msgServerRegistered = "server_registered"
	msgServerRejected   = "server_rejected"
	msgServerConnected  = "server_connected"
)

type brokerMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	InstallID string `json:"installId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// States reported by Status.
const (
	StateDisconnected = "disconnected"
	StateWaiting      = "waiting"
	StatePaired       = "paired"
)

// Status is a snapshot of the relay connection for the local API.
type Status struct {
	State     string `json:"state"`
	Username  string `json:"username,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Dialer keeps one origin socket registered at the broker. Every pairing
// consumes the socket; the loop dials a fresh one as soon as the previous
// session ends.
type Dialer struct {
	gw        *gateway.Gateway
	cfg       config.RemoteAccessConfig
	installID string
	liveness  config.Liveness

	mu        sync.Mutex
	state     string
	lastError string
}

func NewDialer(gw *gateway.Gateway, cfg config.RemoteAccessConfig, installID string, liveness config.Liveness) *Dialer {
	if liveness == (config.Liveness{}) {
		liveness = config.DefaultLiveness()
	}
	return &Dialer{
		gw:        gw,
		cfg:       cfg,
		installID: installID,
		liveness:  liveness,
		state:     StateDisconnected,
	}
}

// Run dials, registers, and serves until ctx is cancelled. Rejection by
// the broker is a configuration problem and stops the loop; everything
// else retries with backoff.
func (d *Dialer) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := d.connectAndServe(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var rej *rejectionError
		if errors.As(err, &rej) {
			d.setState(StateDisconnected, err.Error())
			slog.Error("[Dialer] Broker rejected registration, giving up", "reason", rej.reason)
			return err
		}

		failures++
		d.setState(StateDisconnected, err.Error())
		delay := redialDelay(failures)
		slog.Warn("[Dialer] Broker connection lost, reconnecting",
			"error", err, "retryIn", delay, "failures", failures)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Status returns the current connection state.
func (d *Dialer) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{State: d.state, Username: d.cfg.Username, LastError: d.lastError}
}

func (d *Dialer) setState(state, lastErr string) {
	d.mu.Lock()
	d.state = state
	d.lastError = lastErr
	d.mu.Unlock()
}

func (d *Dialer) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, d.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	defer ws.Close()

	if err := d.register(ws); err != nil {
		return err
	}

	d.setState(StateWaiting, "")
	slog.Info("[Dialer] Registered with broker, waiting for a client", "username", d.cfg.Username)

	if err := d.awaitClient(ws); err != nil {
		return err
	}

	d.setState(StatePaired, "")
	slog.Info("[Dialer] Client connected through broker")

	// The gateway owns the socket from here until the session ends.
	d.gw.ServeConn(ws)

	d.setState(StateDisconnected, "")
	slog.Info("[Dialer] Relay session ended")
	return nil
}

func (d *Dialer) register(ws *websocket.Conn) error {
	msg := brokerMessage{Type: msgServerRegister, Username: d.cfg.Username, InstallID: d.installID}
	ws.SetWriteDeadline(time.Now().Add(controlWait))
	if err := ws.WriteJSON(&msg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(controlWait))
	var reply brokerMessage
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read register reply: %w", err)
	}

	switch reply.Type {
	case msgServerRegistered:
		return nil
	case msgServerRejected:
		return &rejectionError{reason: reply.Reason}
	default:
		return fmt.Errorf("unexpected broker reply %q", reply.Type)
	}
}

// awaitClient blocks until the broker pairs us with a client. The wait is
// unbounded; broker pings keep the read deadline moving, so a dead broker
// is still detected.
func (d *Dialer) awaitClient(ws *websocket.Conn) error {
	pong := d.liveness.PongTimeout()
	ws.SetReadDeadline(time.Now().Add(pong))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(pong))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(d.liveness.WriteTimeout()))
	})

	var reply brokerMessage
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("wait for client: %w", err)
	}
	if reply.Type != msgServerConnected {
		return fmt.Errorf("unexpected broker message %q while waiting", reply.Type)
	}
	ws.SetReadDeadline(time.Time{})
	return nil
}

func redialDelay(failures int) time.Duration {
	if failures > 10 {
		failures = 10
	}
	delay := baseRedialDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxRedialDelay {
		delay = maxRedialDelay
	}
	jitter := time.Duration(float64(delay) * redialJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

// rejectionError marks broker refusals that retrying cannot fix.
type rejectionError struct {
	reason string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("broker rejected registration (%s)", e.reason)
}
