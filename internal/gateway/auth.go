package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/yepanywhere/relay/internal/protocol"
)

// maxAuthFailures closes the connection once this many srp_error replies
// have gone out without an intervening success.
const maxAuthFailures = 3

// handleAuth drives the handshake while the connection is not yet
// authenticated. Anything outside the expected step resets the state
// machine and discards the in-progress SRP session.
func (c *conn) handleAuth(m protocol.Message) {
	switch v := m.(type) {
	case *protocol.SRPHello:
		if c.state != stateUnauthenticated {
			c.resetAuth()
		}
		c.handleHello(v)

	case *protocol.SRPProof:
		if c.state != stateWaitingProof {
			c.resetAuth()
			c.authFailure(protocol.SRPCodeInvalidProof, "no handshake in progress")
			return
		}
		c.handleProof(v)

	case *protocol.SRPResume:
		if c.state != stateUnauthenticated {
			c.resetAuth()
		}
		c.handleResume(v)

	case *protocol.Encrypted:
		slog.Warn("[Gateway] dropping envelope before authentication")

	default:
		c.resetAuth()
		slog.Warn("[Gateway] dropping message before authentication",
			"type", string(m.MessageType()))
	}
}

func (c *conn) handleHello(hello *protocol.SRPHello) {
	sess, err := c.g.serverSession(hello.Identity)
	if err != nil {
		c.g.metrics.RecordAuth("rejected")
		if errors.Is(err, errUnknownIdentity) {
			slog.Warn("[Gateway] hello for unknown identity", "identity", hello.Identity)
		} else {
			slog.Warn("[Gateway] cannot start handshake", "error", err)
		}
		// The peer learns nothing beyond "not this identity".
		c.sendMessage(&protocol.SRPError{Code: protocol.SRPCodeInvalidIdentity})
		c.requestClose()
		return
	}

	c.srpSession = sess
	c.identity = hello.Identity
	c.state = stateWaitingProof
	c.sendMessage(&protocol.SRPChallenge{
		Salt: base64.StdEncoding.EncodeToString(sess.Salt()),
		B:    base64.StdEncoding.EncodeToString(sess.B()),
	})
}

func (c *conn) handleProof(proof *protocol.SRPProof) {
	sess := c.srpSession
	// One shot per session: whatever happens next, this session object is
	// never consulted again.
	c.srpSession = nil
	c.state = stateUnauthenticated

	clientA, errA := base64.StdEncoding.DecodeString(proof.A)
	m1, errM := base64.StdEncoding.DecodeString(proof.M1)
	if errA != nil || errM != nil {
		c.authFailure(protocol.SRPCodeInvalidProof, "malformed proof encoding")
		return
	}
	if err := sess.SetA(clientA); err != nil {
		c.authFailure(protocol.SRPCodeInvalidProof, "rejected public value")
		return
	}
	if !sess.VerifyM1(m1) {
		c.authFailure(protocol.SRPCodeInvalidProof, "")
		return
	}

	m2, err := sess.M2()
	if err != nil {
		c.authFailure(protocol.SRPCodeServerError, "")
		return
	}
	key, err := sess.Key()
	if err != nil {
		c.authFailure(protocol.SRPCodeServerError, "")
		return
	}

	// The verify reply is the last plaintext message; install the key
	// only after it is queued.
	c.sendMessage(&protocol.SRPVerify{M2: base64.StdEncoding.EncodeToString(m2)})
	c.key.Store(key)
	c.state = stateAuthenticated
	c.authFailures = 0
	c.g.metrics.RecordAuth("success")
	slog.Info("[Gateway] client authenticated", "identity", c.identity)

	token, expiresAt := c.g.tokens.Issue(c.identity, key)
	c.sendMessage(&protocol.ResumeToken{Token: token, ExpiresAt: expiresAt.UnixMilli()})
}

func (c *conn) handleResume(res *protocol.SRPResume) {
	key, ok := c.g.tokens.Redeem(res.Identity, res.Token)
	if !ok {
		c.g.metrics.RecordAuth("resume_rejected")
		c.authFailure(protocol.SRPCodeInvalidToken, "")
		return
	}

	c.sendMessage(&protocol.SRPResumed{})
	c.key.Store(key)
	c.identity = res.Identity
	c.state = stateAuthenticated
	c.authFailures = 0
	c.g.metrics.RecordAuth("resumed")
	slog.Info("[Gateway] session resumed", "identity", res.Identity)
}

// authFailure reports one handshake failure to the peer and closes the
// connection when they keep coming.
func (c *conn) authFailure(code, message string) {
	c.authFailures++
	c.g.metrics.RecordAuth("failure")
	c.sendMessage(&protocol.SRPError{Code: code, Message: message})
	if c.authFailures >= maxAuthFailures {
		slog.Warn("[Gateway] closing after repeated auth failures", "count", c.authFailures)
		c.requestClose()
	}
}

// resetAuth returns the connection to the unauthenticated state: the SRP
// session, the key, and everything built on top of them are discarded.
func (c *conn) resetAuth() {
	c.srpSession = nil
	c.identity = ""
	c.key.Store(nil)
	c.state = stateUnauthenticated
	c.cleanup()
}

// ============================================================================
// RESUME TOKENS
// ============================================================================

type resumeEntry struct {
	identity  string
	key       *[protocol.KeySize]byte
	expiresAt time.Time
}

// resumeTable holds the stateful resume tokens: opaque random strings
// bound to a previously established session key. Logout drops them all.
type resumeTable struct {
	mu       sync.Mutex
	tokens   map[string]resumeEntry
	lifetime time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newResumeTable(lifetime time.Duration) *resumeTable {
	t := &resumeTable{
		tokens:   make(map[string]resumeEntry),
		lifetime: lifetime,
		stop:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Issue mints a token for the given identity and key.
func (t *resumeTable) Issue(identity string, key *[protocol.KeySize]byte) (string, time.Time) {
	buf := make([]byte, 32)
	rand.Read(buf)
	token := base64.RawURLEncoding.EncodeToString(buf)
	expiresAt := time.Now().Add(t.lifetime)

	t.mu.Lock()
	t.tokens[token] = resumeEntry{identity: identity, key: key, expiresAt: expiresAt}
	t.mu.Unlock()
	return token, expiresAt
}

// Redeem returns the bound key when the token exists, matches the
// identity, and has not expired. Tokens survive redemption: the same
// client may resume again after another drop.
func (t *resumeTable) Redeem(identity, token string) (*[protocol.KeySize]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tokens[token]
	if !ok || entry.identity != identity {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(t.tokens, token)
		return nil, false
	}
	return entry.key, true
}

// RevokeAll drops every token and returns how many were held.
func (t *resumeTable) RevokeAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.tokens)
	t.tokens = make(map[string]resumeEntry)
	return n
}

// SweepExpired removes expired tokens and returns the count.
func (t *resumeTable) SweepExpired() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for token, entry := range t.tokens {
		if now.After(entry.expiresAt) {
			delete(t.tokens, token)
			removed++
		}
	}
	return removed
}

func (t *resumeTable) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := t.SweepExpired(); n > 0 {
				slog.Debug("[Gateway] expired resume tokens swept", "count", n)
			}
		case <-t.stop:
			return
		}
	}
}

// Stop halts the sweeper.
func (t *resumeTable) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
