// Package sdk is the Go client for the relay protocol. It dials an
// origin directly or through the public broker, runs the SRP handshake,
// and multiplexes requests, event subscriptions, and file uploads over
// a single encrypted WebSocket.
//
// Quick Start:
//
//	client, err := sdk.Dial(ctx, sdk.Config{
//		URL:      "wss://relay.yepanywhere.com/ws",
//		Username: "mika-laptop",
//		Identity: "mika",
//		Password: os.Getenv("RELAY_PASSWORD"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Request(ctx, "GET", "/api/sessions", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(string(resp.Body))
package sdk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/srp"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultChunkSize      = 64 * 1024
	defaultPongTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second

	dialHandshakeTimeout = 15 * time.Second
	handshakeReplyWait   = 10 * time.Second
)

// Config configures a relay client.
type Config struct {
	// URL is the WebSocket endpoint to dial: the broker's /ws when
	// pairing by username, or an origin's /ws when connecting directly.
	URL string

	// Username selects the origin to pair with when URL points at a
	// broker. Leave empty when dialing an origin directly.
	Username string

	// Identity is the SRP identity shared with the origin.
	Identity string

	// Password is the SRP password. When empty and Resume is nil the
	// connection stays unencrypted, which origins only accept on their
	// local endpoint.
	Password string

	// Resume, when set, tries to resume a previous session before
	// falling back to the password handshake.
	Resume *ResumeState

	// OnResumeToken is called from the read loop whenever the origin
	// issues a resume token. Persist the state to survive reconnects.
	// The callback must not block.
	OnResumeToken func(ResumeState)

	// RequestTimeout bounds Request calls whose context carries no
	// deadline. Defaults to 30 seconds.
	RequestTimeout time.Duration

	// ChunkSize is the upload chunk size in bytes before base64
	// expansion. Defaults to 64 KiB.
	ChunkSize int

	// PongTimeout drops the connection when the peer stays silent this
	// long. Defaults to 60 seconds.
	PongTimeout time.Duration

	// WriteTimeout bounds individual WebSocket writes. Defaults to 10
	// seconds.
	WriteTimeout time.Duration
}

// brokerMessage is the broker's pairing vocabulary. Four string fields,
// redeclared here rather than shared with the broker package.
type brokerMessage struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Client is one relay connection. All methods are safe for concurrent
// use.
type Client struct {
	cfg Config
	ws  *websocket.Conn

	// key is set during Dial and read-only afterwards. Nil means the
	// connection is unencrypted.
	key *[protocol.KeySize]byte

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	subs    map[string]*Subscription
	uploads map[string]chan protocol.Message
	closed  bool

	done chan struct{}
}

// Dial connects, pairs through the broker when Username is set, and
// authenticates. It returns once the session is ready for requests.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay-sdk: config URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay-sdk: dial %s: %w", cfg.URL, err)
	}
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		pending: make(map[string]chan *protocol.Response),
		subs:    make(map[string]*Subscription),
		uploads: make(map[string]chan protocol.Message),
		done:    make(chan struct{}),
	}

	if cfg.Username != "" {
		if err := c.pairThroughBroker(ctx); err != nil {
			ws.Close()
			return nil, err
		}
	}
	if err := c.authenticate(ctx); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Close tears the connection down. In-flight calls return
// ErrConnectionLost; subscription OnClose handlers are not invoked.
func (c *Client) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.fail(nil)
	return nil
}

// ============================================================================
// CONNECTION SETUP
// ============================================================================

func (c *Client) pairThroughBroker(ctx context.Context) error {
	deadline := replyDeadline(ctx)
	c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteJSON(brokerMessage{Type: "client_connect", Username: c.cfg.Username})
	if err != nil {
		return fmt.Errorf("relay-sdk: broker connect: %w", err)
	}

	c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})
	var reply brokerMessage
	if err := c.ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("relay-sdk: broker reply: %w", err)
	}
	switch reply.Type {
	case "client_connected":
		return nil
	case "client_error":
		return &BrokerRefusedError{Reason: reply.Reason}
	default:
		return fmt.Errorf("relay-sdk: unexpected broker reply %q", reply.Type)
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.cfg.Resume != nil {
		resumed, err := c.tryResume(ctx)
		if err != nil {
			return err
		}
		if resumed {
			return nil
		}
	}
	if c.cfg.Password == "" {
		// Unencrypted session. Only an origin's local endpoint accepts
		// plaintext traffic.
		return nil
	}
	return c.handshake(ctx)
}

// tryResume redeems the stored resume token. A false return without an
// error means the token was rejected and the password handshake should
// run instead.
func (c *Client) tryResume(ctx context.Context) (bool, error) {
	if len(c.cfg.Resume.Key) != protocol.KeySize {
		return false, errors.New("relay-sdk: resume state is missing the session key")
	}

	err := c.send(&protocol.SRPResume{Identity: c.cfg.Identity, Token: c.cfg.Resume.Token})
	if err != nil {
		return false, err
	}
	m, err := c.readHandshakeReply(ctx)
	if err != nil {
		return false, err
	}

	switch v := m.(type) {
	case *protocol.SRPResumed:
		key := new([protocol.KeySize]byte)
		copy(key[:], c.cfg.Resume.Key)
		c.key = key
		return true, nil
	case *protocol.SRPError:
		if v.Code == protocol.SRPCodeInvalidToken && c.cfg.Password != "" {
			return false, nil
		}
		return false, &AuthError{Code: v.Code, Message: v.Message}
	default:
		return false, fmt.Errorf("relay-sdk: unexpected handshake reply %q", m.MessageType())
	}
}

func (c *Client) handshake(ctx context.Context) error {
	if c.cfg.Identity == "" {
		return errors.New("relay-sdk: config Identity is required for authentication")
	}
	sess, err := srp.NewClientSession(srp.RFC5054Group2048, c.cfg.Identity, c.cfg.Password)
	if err != nil {
		return fmt.Errorf("relay-sdk: start handshake: %w", err)
	}

	if err := c.send(&protocol.SRPHello{Identity: c.cfg.Identity}); err != nil {
		return err
	}
	m, err := c.readHandshakeReply(ctx)
	if err != nil {
		return err
	}
	challenge, ok := m.(*protocol.SRPChallenge)
	if !ok {
		return handshakeReplyError(m)
	}

	salt, errSalt := base64.StdEncoding.DecodeString(challenge.Salt)
	serverB, errB := base64.StdEncoding.DecodeString(challenge.B)
	if errSalt != nil || errB != nil {
		return errors.New("relay-sdk: malformed challenge encoding")
	}
	if err := sess.SetChallenge(salt, serverB); err != nil {
		return fmt.Errorf("relay-sdk: bad challenge: %w", err)
	}
	m1, err := sess.M1()
	if err != nil {
		return fmt.Errorf("relay-sdk: compute proof: %w", err)
	}

	if err := c.send(&protocol.SRPProof{
		A:  base64.StdEncoding.EncodeToString(sess.A()),
		M1: base64.StdEncoding.EncodeToString(m1),
	}); err != nil {
		return err
	}
	m, err = c.readHandshakeReply(ctx)
	if err != nil {
		return err
	}
	verify, ok := m.(*protocol.SRPVerify)
	if !ok {
		return handshakeReplyError(m)
	}

	m2, err := base64.StdEncoding.DecodeString(verify.M2)
	if err != nil {
		return errors.New("relay-sdk: malformed verify encoding")
	}
	if !sess.VerifyM2(m2) {
		return errors.New("relay-sdk: server failed to prove the session key")
	}
	key, err := sess.Key()
	if err != nil {
		return fmt.Errorf("relay-sdk: derive session key: %w", err)
	}
	c.key = key
	return nil
}

func handshakeReplyError(m protocol.Message) error {
	if e, ok := m.(*protocol.SRPError); ok {
		return &AuthError{Code: e.Code, Message: e.Message}
	}
	return fmt.Errorf("relay-sdk: unexpected handshake reply %q", m.MessageType())
}

// readHandshakeReply reads one decodable frame while Dial still owns
// the socket.
func (c *Client) readHandshakeReply(ctx context.Context) (protocol.Message, error) {
	c.ws.SetReadDeadline(replyDeadline(ctx))
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("relay-sdk: handshake read: %w", err)
		}
		m, err := decodeWire(kind, data)
		if err != nil || m == nil {
			continue
		}
		return m, nil
	}
}

func replyDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(handshakeReplyWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// ============================================================================
// WIRE
// ============================================================================

// decodeWire maps one WebSocket message to a protocol message. A nil
// message with a nil error means the frame kind carries no protocol
// data.
func decodeWire(kind int, data []byte) (protocol.Message, error) {
	switch kind {
	case websocket.BinaryMessage:
		return protocol.DecodeFrame(data)
	case websocket.TextMessage:
		return protocol.DecodeText(data)
	default:
		return nil, nil
	}
}

// send encodes m, seals it when a session key is installed, and writes
// it. A write failure kills the connection.
func (c *Client) send(m protocol.Message) error {
	var frame []byte
	var err error
	if c.key != nil {
		frame, err = protocol.SealFrame(m, c.key)
	} else {
		frame, err = protocol.EncodeFrame(m)
	}
	if err != nil {
		return fmt.Errorf("relay-sdk: encode %s: %w", m.MessageType(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.fail(err)
		return ErrConnectionLost
	}
	return nil
}

func (c *Client) readLoop() {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPingHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return c.ws.WriteControl(websocket.PongMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		m, err := decodeWire(kind, data)
		if err != nil || m == nil {
			continue
		}
		if env, ok := m.(*protocol.Encrypted); ok {
			if c.key == nil {
				continue
			}
			plain, err := protocol.Open(env, c.key)
			if err != nil {
				continue
			}
			if m, err = protocol.DecodeFrame(plain); err != nil {
				continue
			}
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m protocol.Message) {
	switch v := m.(type) {
	case *protocol.Response:
		c.dispatchResponse(v)

	case *protocol.Event:
		c.mu.Lock()
		sub := c.subs[v.SubscriptionID]
		c.mu.Unlock()
		if sub != nil {
			sub.deliver(Event{Type: v.EventType, ID: v.EventID, Data: v.Data}, c.done)
		}

	case *protocol.UploadProgress:
		c.deliverUpload(v.UploadID, v, false)
	case *protocol.UploadComplete:
		c.deliverUpload(v.UploadID, v, true)
	case *protocol.UploadError:
		c.deliverUpload(v.UploadID, v, true)

	case *protocol.ResumeToken:
		if c.cfg.OnResumeToken == nil || c.key == nil {
			return
		}
		c.cfg.OnResumeToken(ResumeState{
			Token:     v.Token,
			Key:       append([]byte(nil), c.key[:]...),
			ExpiresAt: time.UnixMilli(v.ExpiresAt),
		})
	}
}

// dispatchResponse answers a pending request, or closes the matching
// subscription when the id names one. The gateway reports subscribe
// refusals on the response path.
func (c *Client) dispatchResponse(resp *protocol.Response) {
	c.mu.Lock()
	if ch, ok := c.pending[resp.ID]; ok {
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		ch <- resp
		return
	}
	sub := c.subs[resp.ID]
	if sub != nil {
		delete(c.subs, resp.ID)
	}
	c.mu.Unlock()

	if sub != nil {
		sub.finish(&StatusError{Status: resp.Status, Headers: resp.Headers, Body: resp.Body})
	}
}

// fail shuts the client down exactly once. A nil error marks a
// deliberate close; subscriptions then end without an OnClose call.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	close(c.done)
	c.ws.Close()

	for _, s := range subs {
		if err != nil {
			s.finish(ErrConnectionLost)
		} else {
			s.finish(nil)
		}
	}
}

// ============================================================================
// REQUESTS
// ============================================================================

// Request performs one HTTP-shaped call against the origin. body may be
// nil, a json.RawMessage or []byte holding raw JSON, or any value for
// json.Marshal. Status codes of 400 and above come back as a
// *StatusError.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, &protocol.Request{Method: method, Path: path, Body: raw})
	if err != nil {
		return nil, err
	}
	if resp.Status >= 400 {
		return nil, &StatusError{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
	}
	return &Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}

// do sends a request frame and waits for its response. Unlike Request
// it hands refusal statuses back as plain responses.
func (c *Client) do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionLost
	}
}

func encodeBody(body interface{}) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("relay-sdk: encode request body: %w", err)
		}
		return raw, nil
	}
}
