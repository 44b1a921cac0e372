// Package gateway terminates remote-client WebSockets on the origin side:
// it runs the SRP handshake, then demultiplexes requests, subscriptions
// and chunked uploads over the encrypted connection.
package gateway

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yepanywhere/relay/internal/config"
	"github.com/yepanywhere/relay/internal/events"
	"github.com/yepanywhere/relay/internal/srp"
	"github.com/yepanywhere/relay/internal/supervisor"
	"github.com/yepanywhere/relay/internal/uploads"
)

// Credentials are the stored SRP values for the configured username.
type Credentials struct {
	Salt     []byte
	Verifier []byte
}

// RemoteAccess is the configuration surface the gateway consults per
// handshake, so a settings change applies to the next connection without
// a restart.
type RemoteAccess interface {
	IsEnabled() bool
	Username() string
	// Credentials returns nil when no credentials are configured.
	Credentials() (*Credentials, error)
}

// ProcessSource resolves session ids to live agent processes.
type ProcessSource interface {
	ProcessForSession(sessionID string) (supervisor.Process, bool)
}

// Augmenter renders accumulated assistant markdown into HTML fragments
// for the markdown-augment and pending catch-up events.
type Augmenter interface {
	Render(markdown string) string
}

// Config tunes the gateway's per-connection behavior.
type Config struct {
	HeartbeatInterval  time.Duration
	SessionKeyLifetime time.Duration
	Liveness           config.Liveness
}

// Deps are the collaborators one gateway serves from.
type Deps struct {
	Access     RemoteAccess
	LocalMux   http.Handler
	Supervisor ProcessSource
	Bus        *events.Bus
	Sink       uploads.Sink
	Augmenter  Augmenter
}

// Gateway accepts remote-client connections. One gateway serves any
// number of concurrent connections; all per-connection state lives on the
// conn.
type Gateway struct {
	access     RemoteAccess
	mux        http.Handler
	supervisor ProcessSource
	bus        *events.Bus
	sink       uploads.Sink
	augmenter  Augmenter

	cfg      Config
	tokens   *resumeTable
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// New wires a gateway. Zero durations in cfg fall back to 30 s heartbeats,
// a 24 h resume-token lifetime and the default liveness policy.
func New(deps Deps, cfg Config) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SessionKeyLifetime <= 0 {
		cfg.SessionKeyLifetime = 24 * time.Hour
	}
	if cfg.Liveness.PingIntervalMs <= 0 {
		cfg.Liveness = config.DefaultLiveness()
	}
	aug := deps.Augmenter
	if aug == nil {
		aug = PassthroughAugmenter{}
	}

	return &Gateway{
		access:     deps.Access,
		mux:        deps.LocalMux,
		supervisor: deps.Supervisor,
		bus:        deps.Bus,
		sink:       deps.Sink,
		augmenter:  aug,
		cfg:        cfg,
		tokens:     newResumeTable(cfg.SessionKeyLifetime),
		metrics:    NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The socket only ever arrives via the broker pipe or the
			// loopback API; browser-origin checks happen end-to-end via SRP.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeConn takes ownership of a paired broker socket and serves it until
// it closes. The connection starts unauthenticated; every application
// message requires the SRP handshake first.
func (g *Gateway) ServeConn(ws *websocket.Conn) {
	c := newConn(g, ws, false)
	g.metrics.RecordConnection(true)
	defer g.metrics.RecordConnection(false)
	c.run()
}

// HandleWS upgrades a local plaintext connection. Only loopback peers are
// accepted; this handler must stay mounted on the loopback-bound API
// server.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] local upgrade failed", "error", err)
		return
	}
	g.ServeLocal(ws)
}

// ServeLocal serves an already-trusted loopback socket: the connection is
// born authenticated with no session key, so frames stay plaintext.
func (g *Gateway) ServeLocal(ws *websocket.Conn) {
	c := newConn(g, ws, true)
	g.metrics.RecordConnection(true)
	defer g.metrics.RecordConnection(false)
	c.run()
}

// Logout revokes every outstanding resume token. Live connections keep
// their keys; only future resumptions are affected.
func (g *Gateway) Logout() {
	n := g.tokens.RevokeAll()
	slog.Info("[Gateway] resume tokens revoked", "count", n)
}

// Close stops the gateway's background work.
func (g *Gateway) Close() {
	g.tokens.Stop()
}

// serverSession builds the SRP server side for a hello, or explains why
// it cannot.
func (g *Gateway) serverSession(identity string) (*srp.ServerSession, error) {
	if g.access == nil || !g.access.IsEnabled() {
		return nil, fmt.Errorf("remote access disabled")
	}
	if identity != g.access.Username() {
		return nil, errUnknownIdentity
	}
	creds, err := g.access.Credentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil {
		return nil, fmt.Errorf("no credentials configured")
	}
	return srp.NewServerSession(srp.RFC5054Group2048, identity, creds.Salt, creds.Verifier)
}

var errUnknownIdentity = fmt.Errorf("identity does not match configured username")

// StaticAccess is a RemoteAccess backed by fixed values, used by the
// origin service and by tests.
type StaticAccess struct {
	Enabled     bool
	User        string
	SaltB64     string
	VerifierB64 string
}

func (s StaticAccess) IsEnabled() bool  { return s.Enabled }
func (s StaticAccess) Username() string { return s.User }

func (s StaticAccess) Credentials() (*Credentials, error) {
	if s.SaltB64 == "" || s.VerifierB64 == "" {
		return nil, nil
	}
	salt, err := base64.StdEncoding.DecodeString(s.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	verifier, err := base64.StdEncoding.DecodeString(s.VerifierB64)
	if err != nil {
		return nil, fmt.Errorf("decode verifier: %w", err)
	}
	return &Credentials{Salt: salt, Verifier: verifier}, nil
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
