package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yepanywhere/relay/internal/config"
)

// storeTimeout bounds every registration store call made on a connection
// goroutine.
const storeTimeout = 5 * time.Second

// Config tunes broker connections.
type Config struct {
	Liveness config.Liveness
}

// pair is one piped origin/client couple.
type pair struct {
	id        string
	username  string
	origin    *peer
	client    *peer
	createdAt time.Time
}

// Broker owns the waiting slots and pairs; the store owns username
// ownership across restarts. Nothing else is shared between connections.
type Broker struct {
	store    Store
	cfg      Config
	metrics  *Metrics
	upgrader websocket.Upgrader

	// regMu serializes the whole register decision so ownership checks
	// and slot replacement are atomic per username.
	regMu sync.Mutex

	mu      sync.RWMutex
	waiting map[string]*peer
	pairs   map[string]*pair

	startedAt time.Time
}

// New wires a broker over the given store. The store stays owned by the
// caller and is closed at daemon shutdown, not here.
func New(store Store, cfg Config) *Broker {
	if cfg.Liveness.PingIntervalMs <= 0 {
		cfg.Liveness = config.DefaultLiveness()
	}
	return &Broker{
		store:     store,
		cfg:       cfg,
		metrics:   NewMetrics(),
		waiting:   make(map[string]*peer),
		pairs:     make(map[string]*pair),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins and SDK clients are not browsers; pairing safety
			// comes from username ownership plus end-to-end SRP.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades and serves one peer socket. Blocks until the socket
// closes.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Broker] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	newPeer(b, ws).run()
}

// ============================================================================
// REGISTRATION
// ============================================================================

// registerOrigin applies the ownership rules for a server_register.
// Returns false when the peer was rejected and should be closed.
func (b *Broker) registerOrigin(p *peer, m *controlMessage) bool {
	if !ValidUsername(m.Username) {
		b.metrics.RecordRegistration(ReasonInvalidUsername)
		p.sendControl(&controlMessage{Type: typeServerRejected, Reason: ReasonInvalidUsername})
		return false
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	reg, err := b.store.Get(ctx, m.Username)
	if err != nil {
		slog.Error("[Broker] registration lookup failed", "username", m.Username, "error", err)
		b.metrics.RecordRegistration("error")
		return false
	}

	now := time.Now()
	switch {
	case reg == nil:
		reg = &Registration{
			Username:    m.Username,
			InstallID:   m.InstallID,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}
	case reg.InstallID != m.InstallID:
		b.metrics.RecordRegistration(ReasonUsernameTaken)
		p.sendControl(&controlMessage{Type: typeServerRejected, Reason: ReasonUsernameTaken})
		return false
	default:
		reg.LastSeenAt = now
	}

	if err := b.store.Upsert(ctx, reg); err != nil {
		slog.Error("[Broker] registration write failed", "username", m.Username, "error", err)
		b.metrics.RecordRegistration("error")
		return false
	}

	p.username = m.Username
	p.installID = m.InstallID

	b.mu.Lock()
	old := b.waiting[m.Username]
	b.waiting[m.Username] = p
	b.mu.Unlock()

	if old != nil {
		// Same install replaces: the stale socket goes away first.
		slog.Info("[Broker] replacing waiting origin", "username", m.Username)
		old.requestClose()
	} else {
		b.metrics.ActiveWaiting.Inc()
	}

	p.sendControl(&controlMessage{Type: typeServerRegistered})
	b.metrics.RecordRegistration("accepted")
	slog.Info("[Broker] origin registered", "username", m.Username)
	return true
}

// ============================================================================
// PAIRING
// ============================================================================

// connectClient pairs a client_connect with the waiting origin. Returns
// false when the peer was turned away and should be closed.
func (b *Broker) connectClient(p *peer, m *controlMessage) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	reg, err := b.store.Get(ctx, m.Username)
	if err != nil {
		slog.Error("[Broker] client lookup failed", "username", m.Username, "error", err)
		b.metrics.RecordClientConnect("error")
		return false
	}
	if reg == nil {
		b.metrics.RecordClientConnect(ReasonUnknownUsername)
		p.sendControl(&controlMessage{Type: typeClientError, Reason: ReasonUnknownUsername})
		return false
	}

	b.mu.Lock()
	origin, ok := b.waiting[m.Username]
	if !ok {
		b.mu.Unlock()
		b.metrics.RecordClientConnect(ReasonServerOffline)
		p.sendControl(&controlMessage{Type: typeClientError, Reason: ReasonServerOffline})
		return false
	}
	delete(b.waiting, m.Username)

	pr := &pair{
		id:        uuid.NewString(),
		username:  m.Username,
		origin:    origin,
		client:    p,
		createdAt: time.Now(),
	}
	b.pairs[pr.id] = pr
	origin.pairID = pr.id
	p.pairID = pr.id
	p.username = m.Username

	// Wire the pipe before either side hears about it, so nothing sent
	// after the acks can miss the counterpart.
	origin.counterpart.Store(p)
	p.counterpart.Store(origin)
	b.mu.Unlock()

	b.metrics.ActiveWaiting.Dec()
	b.metrics.ActivePairs.Inc()
	b.metrics.RecordClientConnect("paired")

	origin.sendControl(&controlMessage{Type: typeServerConnected})
	p.sendControl(&controlMessage{Type: typeClientConnected})
	slog.Info("[Broker] pair established", "username", m.Username, "pairId", pr.id)
	return true
}

// ============================================================================
// RELEASE
// ============================================================================

// release drops whatever broker state the peer held: its waiting slot, or
// its pair plus the counterpart's socket.
func (b *Broker) release(p *peer) {
	var other *peer

	b.mu.Lock()
	if w, ok := b.waiting[p.username]; ok && w == p {
		delete(b.waiting, p.username)
		b.metrics.ActiveWaiting.Dec()
		slog.Info("[Broker] waiting origin left", "username", p.username)
	}
	if p.pairID != "" {
		if pr, ok := b.pairs[p.pairID]; ok {
			delete(b.pairs, p.pairID)
			b.metrics.ActivePairs.Dec()
			if pr.origin == p {
				other = pr.client
			} else {
				other = pr.origin
			}
			slog.Info("[Broker] pair released",
				"username", pr.username, "pairId", pr.id, "lived", time.Since(pr.createdAt).Round(time.Millisecond))
		}
	}
	b.mu.Unlock()

	if other != nil {
		// The survivor gets a normal close after its queue flushes.
		other.requestClose()
	}
}

// ============================================================================
// OBSERVABILITY
// ============================================================================

// Stats snapshots the in-memory counters for the health endpoint.
func (b *Broker) Stats() (waiting, pairs int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.waiting), len(b.pairs)
}

// Uptime since construction.
func (b *Broker) Uptime() time.Duration {
	return time.Since(b.startedAt)
}

// UsernameBusy reports whether a username is currently waiting or paired;
// the reclaimer skips those.
func (b *Broker) UsernameBusy(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.waiting[name]; ok {
		return true
	}
	for _, pr := range b.pairs {
		if pr.username == name {
			return true
		}
	}
	return false
}
