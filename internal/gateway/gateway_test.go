package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yepanywhere/relay/internal/events"
	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/srp"
	"github.com/yepanywhere/relay/internal/supervisor"
	"github.com/yepanywhere/relay/internal/uploads"
)

// ============================================================================
// TEST HARNESS
// ============================================================================

const (
	testIdentity = "mika"
	testPassword = "correct horse battery staple"
)

type testEnv struct {
	t    *testing.T
	g    *Gateway
	srv  *httptest.Server
	sup  *supervisor.Supervisor
	bus  *events.Bus
	sink *uploads.FileSink
}

// testAccess builds SRP credentials for testIdentity/testPassword.
func testAccess(t *testing.T) StaticAccess {
	t.Helper()
	salt, err := srp.GenerateSalt()
	require.NoError(t, err)
	verifier := srp.ComputeVerifier(srp.RFC5054Group2048, testIdentity, testPassword, salt)
	return StaticAccess{
		Enabled:     true,
		User:        testIdentity,
		SaltB64:     base64.StdEncoding.EncodeToString(salt),
		VerifierB64: base64.StdEncoding.EncodeToString(verifier),
	}
}

// newTestEnv stands up a gateway over a local HTTP API. The /local
// endpoint serves pre-authenticated plaintext connections; /remote
// serves connections that must complete the SRP handshake first. The
// heartbeat interval is long enough that no heartbeat interleaves with
// test traffic.
func newTestEnv(t *testing.T, access RemoteAccess) *testEnv {
	return newTestEnvCfg(t, access, Config{
		HeartbeatInterval:  time.Hour,
		SessionKeyLifetime: time.Hour,
	})
}

func newTestEnvCfg(t *testing.T, access RemoteAccess, cfg Config) *testEnv {
	t.Helper()

	bus := events.NewBus()
	sup := supervisor.New(bus, supervisor.Config{Retention: time.Hour})
	t.Cleanup(sup.Stop)

	sink, err := uploads.NewFileSink(t.TempDir())
	require.NoError(t, err)

	g := New(Deps{
		Access:     access,
		LocalMux:   newTestAPI(),
		Supervisor: sup,
		Bus:        bus,
		Sink:       sink,
	}, cfg)
	t.Cleanup(g.Close)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	handler := http.NewServeMux()
	handler.HandleFunc("/local", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.ServeLocal(ws)
	})
	handler.HandleFunc("/remote", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.ServeConn(ws)
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{t: t, g: g, srv: srv, sup: sup, bus: bus, sink: sink}
}

// newTestAPI is the in-process HTTP surface requests are relayed to.
func newTestAPI() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	r.HandleFunc("/api/echo", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Echo-Content-Type", req.Header.Get("Content-Type"))
		w.Write(body)
	}).Methods("POST")

	r.HandleFunc("/api/headers", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"anywhere":%q,"relay":%q}`,
			req.Header.Get("X-Yep-Anywhere"), req.Header.Get("X-Ws-Relay"))
	}).Methods("GET")

	r.HandleFunc("/api/text", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain text body"))
	}).Methods("GET")

	r.HandleFunc("/api/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(25 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"slow":true}`))
	}).Methods("GET")

	r.HandleFunc("/api/panic", func(http.ResponseWriter, *http.Request) {
		panic("handler blew up")
	}).Methods("GET")

	return r
}

// ============================================================================
// WIRE-LEVEL TEST CLIENT
// ============================================================================

// wsClient speaks the frame protocol over a dialed socket. When key is
// set, outgoing messages are sealed and incoming envelopes opened.
type wsClient struct {
	t   *testing.T
	ws  *websocket.Conn
	key *[protocol.KeySize]byte
}

func (env *testEnv) dial(path string) *wsClient {
	env.t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { ws.Close() })
	return &wsClient{t: env.t, ws: ws}
}

func (env *testEnv) dialLocal() *wsClient  { return env.dial("/local") }
func (env *testEnv) dialRemote() *wsClient { return env.dial("/remote") }

func (c *wsClient) send(m protocol.Message) {
	c.t.Helper()
	var frame []byte
	var err error
	if c.key != nil {
		frame, err = protocol.SealFrame(m, c.key)
	} else {
		frame, err = protocol.EncodeFrame(m)
	}
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *wsClient) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, data))
}

// recv returns the next decoded message, opening envelopes transparently.
func (c *wsClient) recv() protocol.Message {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err, "reading next frame")
	m, err := protocol.DecodeFrame(data)
	require.NoError(c.t, err)

	if env, ok := m.(*protocol.Encrypted); ok {
		require.NotNil(c.t, c.key, "got an envelope but no session key is set")
		inner, err := protocol.Open(env, c.key)
		require.NoError(c.t, err)
		m, err = protocol.DecodeFrame(inner)
		require.NoError(c.t, err)
	}
	return m
}

// recvClosed asserts the server closed the connection.
func (c *wsClient) recvClosed() {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
	}
}

func (c *wsClient) expectResponse() *protocol.Response {
	c.t.Helper()
	m := c.recv()
	resp, ok := m.(*protocol.Response)
	require.True(c.t, ok, "expected response, got %s", m.MessageType())
	return resp
}

func (c *wsClient) expectEvent() *protocol.Event {
	c.t.Helper()
	m := c.recv()
	ev, ok := m.(*protocol.Event)
	require.True(c.t, ok, "expected event, got %s", m.MessageType())
	return ev
}

func (c *wsClient) expectProgress() *protocol.UploadProgress {
	c.t.Helper()
	m := c.recv()
	p, ok := m.(*protocol.UploadProgress)
	require.True(c.t, ok, "expected upload_progress, got %s", m.MessageType())
	return p
}

func (c *wsClient) expectUploadError() *protocol.UploadError {
	c.t.Helper()
	m := c.recv()
	e, ok := m.(*protocol.UploadError)
	require.True(c.t, ok, "expected upload_error, got %s", m.MessageType())
	return e
}

// roundTrip sends a request and waits for its response. Because dispatch
// is serialized per connection, a completed round trip proves every
// earlier message was fully handled.
func (c *wsClient) roundTrip(id string) *protocol.Response {
	c.t.Helper()
	c.send(&protocol.Request{ID: id, Method: "GET", Path: "/health"})
	resp := c.expectResponse()
	require.Equal(c.t, id, resp.ID)
	return resp
}

// ============================================================================
// REQUEST RELAY
// ============================================================================

func TestGateway_RequestResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{ID: "r1", Method: "GET", Path: "/health"})

	resp := c.expectResponse()
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Body))
	assert.Contains(t, resp.Headers["Content-Type"], "application/json")
}

func TestGateway_RequestInjectsRelayHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{ID: "r1", Method: "GET", Path: "/api/headers"})

	resp := c.expectResponse()
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"anywhere":"true","relay":"true"}`, string(resp.Body))
}

func TestGateway_RequestBodyDefaultsToJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{
		ID:     "r1",
		Method: "POST",
		Path:   "/api/echo",
		Body:   json.RawMessage(`{"hello":"world"}`),
	})

	resp := c.expectResponse()
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["X-Echo-Content-Type"])
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Body))
}

func TestGateway_NonJSONBodyArrivesAsString(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{ID: "r1", Method: "GET", Path: "/api/text"})

	resp := c.expectResponse()
	assert.Equal(t, 200, resp.Status)

	var body string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "plain text body", body)
}

func TestGateway_HandlerPanicBecomes500(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{ID: "r1", Method: "GET", Path: "/api/panic"})

	resp := c.expectResponse()
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, 500, resp.Status)
	assert.JSONEq(t, `{"error":"Internal server error"}`, string(resp.Body))

	// The connection survives the panic.
	c.roundTrip("r2")
}

func TestGateway_MultipleRequestsCorrelateByID(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Request{ID: "slow", Method: "GET", Path: "/api/slow"})
	c.send(&protocol.Request{ID: "fast", Method: "GET", Path: "/health"})

	byID := map[string]*protocol.Response{}
	for i := 0; i < 2; i++ {
		resp := c.expectResponse()
		byID[resp.ID] = resp
	}

	require.Contains(t, byID, "slow")
	require.Contains(t, byID, "fast")
	assert.JSONEq(t, `{"slow":true}`, string(byID["slow"].Body))
	assert.JSONEq(t, `{"status":"ok"}`, string(byID["fast"].Body))
}

func TestGateway_BadFramesAreDroppedNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	// Unknown format byte, invalid UTF-8 text, invalid JSON.
	c.sendRaw([]byte{0x7F, 'x', 'y'})
	c.sendRaw(append([]byte{0x01}, 0xFF, 0xFE))
	c.sendRaw(append([]byte{0x01}, []byte("{not json")...))

	// All three were dropped; the connection still serves traffic.
	c.roundTrip("after-noise")
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

func TestGateway_SubscribeValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	// Session channel without a sessionId.
	c.send(&protocol.Subscribe{SubscriptionID: "s1", Channel: "session"})
	resp := c.expectResponse()
	assert.Equal(t, "s1", resp.ID)
	assert.Equal(t, 400, resp.Status)

	// Session channel with no live process.
	c.send(&protocol.Subscribe{SubscriptionID: "s2", Channel: "session", SessionID: "nope"})
	resp = c.expectResponse()
	assert.Equal(t, "s2", resp.ID)
	assert.Equal(t, 404, resp.Status)

	// Unknown channel.
	c.send(&protocol.Subscribe{SubscriptionID: "s3", Channel: "weather"})
	resp = c.expectResponse()
	assert.Equal(t, "s3", resp.ID)
	assert.Equal(t, 400, resp.Status)

	// Duplicate subscription id.
	c.send(&protocol.Subscribe{SubscriptionID: "dup", Channel: "activity"})
	ev := c.expectEvent()
	assert.Equal(t, "connected", ev.EventType)

	c.send(&protocol.Subscribe{SubscriptionID: "dup", Channel: "activity"})
	resp = c.expectResponse()
	assert.Equal(t, "dup", resp.ID)
	assert.Equal(t, 400, resp.Status)
}

func TestGateway_SessionChannelReplayThenLive(t *testing.T) {
	env := newTestEnv(t, nil)

	proc, err := env.sup.StartProcess(supervisor.StartOptions{
		SessionID: "sess-1",
		ProjectID: "proj-1",
		Provider:  "claude",
		Model:     "opus",
	})
	require.NoError(t, err)
	proc.AppendMessage(map[string]any{"role": "user", "content": "hi"})
	proc.AppendMessage(map[string]any{"role": "assistant", "content": "hello"})
	proc.AccumulateStreamingText("sess-1", "Partial **reply**")

	c := env.dialLocal()
	c.send(&protocol.Subscribe{SubscriptionID: "sub1", Channel: "session", SessionID: "sess-1"})

	// connected snapshot first.
	ev := c.expectEvent()
	assert.Equal(t, "connected", ev.EventType)
	assert.Equal(t, "1", ev.EventID)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &snapshot))
	assert.Equal(t, proc.ID(), snapshot["processId"])
	assert.Equal(t, "sess-1", snapshot["sessionId"])
	assert.Equal(t, "claude", snapshot["provider"])
	assert.Equal(t, "opus", snapshot["model"])

	// History replay in order.
	for i, want := range []string{"hi", "hello"} {
		ev = c.expectEvent()
		assert.Equal(t, "message", ev.EventType)
		assert.Equal(t, fmt.Sprint(i+2), ev.EventID)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &msg))
		assert.Equal(t, want, msg["content"])
	}

	// Streaming catch-up.
	ev = c.expectEvent()
	assert.Equal(t, "pending", ev.EventType)
	var pending map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &pending))
	assert.Equal(t, "Partial **reply**", pending["content"])
	assert.NotEmpty(t, pending["html"])

	// Prove the subscribe fully settled before driving live events.
	c.roundTrip("sync")

	proc.AccumulateStreamingText("sess-1", " more")
	ev = c.expectEvent()
	assert.Equal(t, "markdown-augment", ev.EventType)
	var delta map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &delta))
	assert.Equal(t, " more", delta["delta"])
	assert.Equal(t, "Partial **reply** more", delta["content"])
	assert.NotEmpty(t, delta["html"])

	proc.AppendMessage(map[string]any{"role": "assistant", "content": "done"})
	ev = c.expectEvent()
	assert.Equal(t, "message", ev.EventType)

	proc.SetState(supervisor.StateRunning)
	ev = c.expectEvent()
	assert.Equal(t, "status", ev.EventType)
}

func TestGateway_SessionChannelEventIDsAreMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)

	proc, err := env.sup.StartProcess(supervisor.StartOptions{SessionID: "sess-mono"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		proc.AppendMessage(map[string]any{"n": i})
	}

	c := env.dialLocal()
	c.send(&protocol.Subscribe{SubscriptionID: "sub1", Channel: "session", SessionID: "sess-mono"})

	for i := 1; i <= 4; i++ { // connected + 3 messages
		ev := c.expectEvent()
		assert.Equal(t, fmt.Sprint(i), ev.EventID)
	}
}

func TestGateway_ActivityChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Subscribe{SubscriptionID: "act", Channel: "activity"})
	ev := c.expectEvent()
	assert.Equal(t, "connected", ev.EventType)

	c.roundTrip("sync")

	env.bus.Emit("session-started", "sess-9", map[string]any{"projectId": "p1"})

	ev = c.expectEvent()
	assert.Equal(t, "act", ev.SubscriptionID)
	assert.Equal(t, "session-started", ev.EventType)

	var record map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &record))
	assert.Equal(t, "session-started", record["type"])
	assert.Equal(t, "sess-9", record["sessionId"])
}

func TestGateway_HeartbeatsCarryNoEventID(t *testing.T) {
	env := newTestEnvCfg(t, nil, Config{
		HeartbeatInterval:  50 * time.Millisecond,
		SessionKeyLifetime: time.Hour,
	})
	c := env.dialLocal()

	c.send(&protocol.Subscribe{SubscriptionID: "act", Channel: "activity"})
	ev := c.expectEvent()
	require.Equal(t, "connected", ev.EventType)
	require.Equal(t, "1", ev.EventID)

	beats := 0
	for beats < 2 {
		ev = c.expectEvent()
		if ev.EventType != "heartbeat" {
			continue
		}
		assert.Empty(t, ev.EventID, "heartbeats consume no event ids")
		beats++
	}
}

func TestGateway_UnsubscribeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Subscribe{SubscriptionID: "act", Channel: "activity"})
	ev := c.expectEvent()
	require.Equal(t, "connected", ev.EventType)

	c.send(&protocol.Unsubscribe{SubscriptionID: "act"})
	c.send(&protocol.Unsubscribe{SubscriptionID: "act"})
	c.roundTrip("sync")

	// Events published after unsubscribe never reach the socket; the
	// next frame after a publish plus round trip is the response itself.
	env.bus.Emit("session-started", "sess-1", nil)
	resp := c.roundTrip("after-emit")
	assert.Equal(t, 200, resp.Status)
}

func TestGateway_CloseDetachesBusListeners(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.Subscribe{SubscriptionID: "act", Channel: "activity"})
	ev := c.expectEvent()
	require.Equal(t, "connected", ev.EventType)
	c.roundTrip("sync")
	require.Equal(t, 1, env.bus.ListenerCount())

	c.ws.Close()

	require.Eventually(t, func() bool {
		return env.bus.ListenerCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "listener should be detached on close")
}

// ============================================================================
// UPLOADS
// ============================================================================

func sendChunk(c *wsClient, uploadID string, offset int64, data []byte) {
	c.send(&protocol.UploadChunk{
		UploadID: uploadID,
		Offset:   offset,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

func TestGateway_UploadLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	const total = 200000
	payload := bytes.Repeat([]byte{0xAB}, total)

	c.send(&protocol.UploadStart{
		UploadID:  "up1",
		ProjectID: "proj-1",
		Filename:  "report.bin",
		Size:      total,
		MimeType:  "application/octet-stream",
	})

	p := c.expectProgress()
	assert.Equal(t, "up1", p.UploadID)
	assert.Equal(t, int64(0), p.BytesReceived)

	sendChunk(c, "up1", 0, payload[:100000])
	p = c.expectProgress()
	assert.Equal(t, int64(100000), p.BytesReceived)

	sendChunk(c, "up1", 100000, payload[100000:])
	p = c.expectProgress()
	assert.Equal(t, int64(total), p.BytesReceived)

	c.send(&protocol.UploadEnd{UploadID: "up1"})
	m := c.recv()
	complete, ok := m.(*protocol.UploadComplete)
	require.True(t, ok, "expected upload_complete, got %s", m.MessageType())
	assert.Equal(t, "up1", complete.UploadID)

	var meta uploads.FileMetadata
	require.NoError(t, json.Unmarshal(complete.File, &meta))
	assert.Equal(t, "report.bin", meta.Filename)
	assert.Equal(t, int64(total), meta.Size)

	written, err := os.ReadFile(meta.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)
	assert.Equal(t, 0, env.sink.ActiveCount())
}

func TestGateway_UploadSmallFileReportsOnceAtEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.UploadStart{UploadID: "up1", ProjectID: "p", Filename: "tiny.txt", Size: 5})
	p := c.expectProgress()
	assert.Equal(t, int64(0), p.BytesReceived)

	// 5 bytes never cross a 64 KiB boundary, but the final byte always
	// produces a report.
	sendChunk(c, "up1", 0, []byte("hello"))
	p = c.expectProgress()
	assert.Equal(t, int64(5), p.BytesReceived)

	c.send(&protocol.UploadEnd{UploadID: "up1"})
	m := c.recv()
	_, ok := m.(*protocol.UploadComplete)
	require.True(t, ok, "expected upload_complete, got %s", m.MessageType())
}

func TestGateway_UploadOffsetMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.UploadStart{UploadID: "up1", ProjectID: "p", Filename: "f.bin", Size: 10})
	c.expectProgress()

	sendChunk(c, "up1", 5, []byte("wrong"))
	e := c.expectUploadError()
	assert.Equal(t, "up1", e.UploadID)
	assert.Contains(t, e.Error, "offset mismatch")

	// The entry is gone; further chunks are unknown.
	sendChunk(c, "up1", 0, []byte("retry"))
	e = c.expectUploadError()
	assert.Contains(t, e.Error, "unknown uploadId")

	// The connection itself is unaffected.
	c.roundTrip("still-alive")
	assert.Equal(t, 0, env.sink.ActiveCount())
}

func TestGateway_UploadEarlyEndDiscards(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.UploadStart{UploadID: "up1", ProjectID: "p", Filename: "f.bin", Size: 10})
	c.expectProgress()
	sendChunk(c, "up1", 0, []byte("1234"))

	// Ending before the declared size cancels the transfer. This is also
	// the cancel path a client uses on purpose.
	c.send(&protocol.UploadEnd{UploadID: "up1"})
	e := c.expectUploadError()
	assert.Contains(t, e.Error, "received 4 of 10 bytes")
	assert.Equal(t, 0, env.sink.ActiveCount())
}

func TestGateway_UploadUnknownID(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	sendChunk(c, "ghost", 0, []byte("data"))
	e := c.expectUploadError()
	assert.Equal(t, "ghost", e.UploadID)
	assert.Contains(t, e.Error, "unknown uploadId")

	c.send(&protocol.UploadEnd{UploadID: "ghost"})
	e = c.expectUploadError()
	assert.Contains(t, e.Error, "unknown uploadId")

	c.roundTrip("still-alive")
}

func TestGateway_DisconnectCancelsInFlightUploads(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dialLocal()

	c.send(&protocol.UploadStart{UploadID: "up1", ProjectID: "p", Filename: "f.bin", Size: 1000})
	c.expectProgress()
	sendChunk(c, "up1", 0, []byte("partial"))
	c.roundTrip("sync")
	require.Equal(t, 1, env.sink.ActiveCount())

	c.ws.Close()

	require.Eventually(t, func() bool {
		return env.sink.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "upload should be cancelled on disconnect")
}
