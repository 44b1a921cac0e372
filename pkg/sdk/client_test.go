package sdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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
	"github.com/yepanywhere/relay/internal/gateway"
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

type sdkEnv struct {
	t   *testing.T
	gw  *gateway.Gateway
	bus *events.Bus
	sup *supervisor.Supervisor
	srv *httptest.Server
}

func testAccess(t *testing.T) gateway.StaticAccess {
	t.Helper()
	salt, err := srp.GenerateSalt()
	require.NoError(t, err)
	verifier := srp.ComputeVerifier(srp.RFC5054Group2048, testIdentity, testPassword, salt)
	return gateway.StaticAccess{
		Enabled:     true,
		User:        testIdentity,
		SaltB64:     base64.StdEncoding.EncodeToString(salt),
		VerifierB64: base64.StdEncoding.EncodeToString(verifier),
	}
}

// newSDKEnv stands up a full gateway. /local serves pre-authenticated
// plaintext connections, /remote requires the SRP handshake.
func newSDKEnv(t *testing.T) *sdkEnv {
	t.Helper()

	bus := events.NewBus()
	sup := supervisor.New(bus, supervisor.Config{Retention: time.Hour})
	t.Cleanup(sup.Stop)

	sink, err := uploads.NewFileSink(t.TempDir())
	require.NoError(t, err)

	gw := gateway.New(gateway.Deps{
		Access:     testAccess(t),
		LocalMux:   testAPI(),
		Supervisor: sup,
		Bus:        bus,
		Sink:       sink,
	}, gateway.Config{HeartbeatInterval: time.Hour, SessionKeyLifetime: time.Hour})
	t.Cleanup(gw.Close)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	handler := http.NewServeMux()
	handler.HandleFunc("/local", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.ServeLocal(ws)
	})
	handler.HandleFunc("/remote", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw.ServeConn(ws)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &sdkEnv{t: t, gw: gw, bus: bus, sup: sup, srv: srv}
}

func testAPI() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	r.HandleFunc("/api/echo", func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}).Methods("POST")

	r.HandleFunc("/api/text", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("plain text body"))
	}).Methods("GET")

	r.HandleFunc("/api/slow", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"slow":true}`))
	}).Methods("GET")

	return r
}

func (env *sdkEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(env.srv.URL, "http") + path
}

func (env *sdkEnv) dialLocal() *Client {
	env.t.Helper()
	c, err := Dial(context.Background(), Config{URL: env.wsURL("/local")})
	require.NoError(env.t, err)
	env.t.Cleanup(func() { c.Close() })
	return c
}

// dialRemote fills in the URL and dials /remote with whatever auth the
// test put in cfg.
func (env *sdkEnv) dialRemote(cfg Config) *Client {
	env.t.Helper()
	cfg.URL = env.wsURL("/remote")
	c, err := Dial(context.Background(), cfg)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { c.Close() })
	return c
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func waitClose(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the close callback")
		return nil
	}
}

// ============================================================================
// DIAL AND AUTHENTICATION
// ============================================================================

func TestDial_LocalPlaintext(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	resp, err := c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Body))
	assert.Contains(t, resp.Headers["Content-Type"], "application/json")
}

func TestDial_RemoteSRP(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialRemote(Config{Identity: testIdentity, Password: testPassword})

	resp, err := c.Request(context.Background(), "POST", "/api/echo",
		map[string]any{"hello": "world"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Body))
}

func TestDial_WrongPassword(t *testing.T) {
	env := newSDKEnv(t)

	_, err := Dial(context.Background(), Config{
		URL:      env.wsURL("/remote"),
		Identity: testIdentity,
		Password: "not the password",
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.SRPCodeInvalidProof, authErr.Code)
}

func TestDial_UnknownIdentity(t *testing.T) {
	env := newSDKEnv(t)

	_, err := Dial(context.Background(), Config{
		URL:      env.wsURL("/remote"),
		Identity: "stranger",
		Password: testPassword,
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.SRPCodeInvalidIdentity, authErr.Code)
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

// ============================================================================
// REQUESTS
// ============================================================================

func TestRequest_NotFoundIsStatusError(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	resp, err := c.Request(context.Background(), "GET", "/api/nope", nil)
	assert.Nil(t, resp)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.Status)
	assert.Contains(t, err.Error(), "404")
}

func TestRequest_ContextDeadline(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, "GET", "/api/slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The late response is dropped; the connection keeps working.
	resp, err := c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestRequest_RawJSONBodyPassesThrough(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	resp, err := c.Request(context.Background(), "POST", "/api/echo",
		json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(resp.Body))
}

func TestRequest_AfterCloseReturnsConnectionLost(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()
	require.NoError(t, c.Close())

	_, err := c.Request(context.Background(), "GET", "/health", nil)
	require.ErrorIs(t, err, ErrConnectionLost)
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

func TestSubscribe_ActivityDeliversEvents(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	got := make(chan Event, 32)
	_, err := c.Subscribe("activity", "", SubscriptionHandlers{
		OnEvent: func(ev Event) { got <- ev },
	})
	require.NoError(t, err)

	ev := waitEvent(t, got)
	assert.Equal(t, "connected", ev.Type)
	assert.Equal(t, "1", ev.ID)

	// A request round trip proves the subscribe fully settled before the
	// bus publish below.
	_, err = c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)

	env.bus.Emit("session-started", "sess-9", map[string]any{"projectId": "p1"})

	ev = waitEvent(t, got)
	assert.Equal(t, "session-started", ev.Type)
	var record map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &record))
	assert.Equal(t, "sess-9", record["sessionId"])
}

func TestSubscribe_SessionReplayThenLive(t *testing.T) {
	env := newSDKEnv(t)

	proc, err := env.sup.StartProcess(supervisor.StartOptions{
		SessionID: "sess-1",
		Provider:  "claude",
	})
	require.NoError(t, err)
	proc.AppendMessage(map[string]any{"role": "user", "content": "hi"})

	c := env.dialLocal()
	got := make(chan Event, 32)
	_, err = c.Subscribe("session", "sess-1", SubscriptionHandlers{
		OnEvent: func(ev Event) { got <- ev },
	})
	require.NoError(t, err)

	ev := waitEvent(t, got)
	assert.Equal(t, "connected", ev.Type)
	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &snapshot))
	assert.Equal(t, "sess-1", snapshot["sessionId"])
	assert.Equal(t, "claude", snapshot["provider"])

	ev = waitEvent(t, got)
	assert.Equal(t, "message", ev.Type)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "hi", msg["content"])

	_, err = c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)

	proc.AppendMessage(map[string]any{"role": "assistant", "content": "hello"})
	ev = waitEvent(t, got)
	assert.Equal(t, "message", ev.Type)
}

func TestSubscribe_RefusalCallsOnClose(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	got := make(chan Event, 8)
	closed := make(chan error, 1)
	_, err := c.Subscribe("session", "", SubscriptionHandlers{
		OnEvent: func(ev Event) { got <- ev },
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, waitClose(t, closed), &statusErr)
	assert.Equal(t, 400, statusErr.Status)
	assert.Empty(t, got, "a refused subscription delivers no events")
}

func TestSubscribe_CloseIsSilent(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	got := make(chan Event, 32)
	closed := make(chan error, 1)
	sub, err := c.Subscribe("activity", "", SubscriptionHandlers{
		OnEvent: func(ev Event) { got <- ev },
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)
	require.Equal(t, "connected", waitEvent(t, got).Type)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	// Settle the unsubscribe, then publish into the void.
	_, err = c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	env.bus.Emit("session-started", "sess-1", nil)

	select {
	case ev := <-got:
		t.Fatalf("unexpected event after close: %s", ev.Type)
	case err := <-closed:
		t.Fatalf("OnClose ran after a manual close: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribe_ConnectionLossClosesStream(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	got := make(chan Event, 8)
	closed := make(chan error, 1)
	_, err := c.Subscribe("activity", "", SubscriptionHandlers{
		OnEvent: func(ev Event) { got <- ev },
		OnClose: func(err error) { closed <- err },
	})
	require.NoError(t, err)
	require.Equal(t, "connected", waitEvent(t, got).Type)

	env.gw.Close()

	require.ErrorIs(t, waitClose(t, closed), ErrConnectionLost)

	_, err = c.Request(context.Background(), "GET", "/health", nil)
	require.ErrorIs(t, err, ErrConnectionLost)
}

// ============================================================================
// UPLOADS
// ============================================================================

func TestUpload_Lifecycle(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	const total = 200000
	payload := bytes.Repeat([]byte{0xAB}, total)

	var progress []int64
	file, err := c.Upload(context.Background(), UploadSpec{
		ProjectID: "proj-1",
		Filename:  "report.bin",
		Size:      total,
		MimeType:  "application/octet-stream",
	}, bytes.NewReader(payload), func(n int64) { progress = append(progress, n) })
	require.NoError(t, err)

	assert.NotEmpty(t, file.ID)
	assert.Equal(t, "report.bin", file.Filename)
	assert.Equal(t, int64(total), file.Size)
	assert.False(t, file.CreatedAt.IsZero())

	written, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, written)

	require.NotEmpty(t, progress)
	assert.Equal(t, int64(total), progress[len(progress)-1])
}

func TestUpload_ShortStreamIsRejected(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	_, err := c.Upload(context.Background(), UploadSpec{
		ProjectID: "p",
		Filename:  "short.bin",
		Size:      10,
	}, strings.NewReader("1234"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "received 4 of 10")

	// The failed upload leaves the connection healthy.
	resp, err := c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestUpload_CancelledContext(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Upload(ctx, UploadSpec{
		ProjectID: "p",
		Filename:  "never.bin",
		Size:      1 << 20,
	}, bytes.NewReader(bytes.Repeat([]byte{1}, 1<<20)), nil)
	require.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// SESSION RESUMPTION
// ============================================================================

func TestResume_TokenRoundTrip(t *testing.T) {
	env := newSDKEnv(t)

	states := make(chan ResumeState, 1)
	first := env.dialRemote(Config{
		Identity: testIdentity,
		Password: testPassword,
		OnResumeToken: func(s ResumeState) {
			select {
			case states <- s:
			default:
			}
		},
	})

	var state ResumeState
	select {
	case state = <-states:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the resume token")
	}
	assert.NotEmpty(t, state.Token)
	assert.Len(t, state.Key, 32)
	assert.True(t, state.ExpiresAt.After(time.Now()))
	first.Close()

	// A fresh connection resumes with the token alone, no password.
	second := env.dialRemote(Config{Identity: testIdentity, Resume: &state})
	resp, err := second.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestResume_BadTokenFallsBackToPassword(t *testing.T) {
	env := newSDKEnv(t)

	c := env.dialRemote(Config{
		Identity: testIdentity,
		Password: testPassword,
		Resume:   &ResumeState{Token: "bogus", Key: make([]byte, 32)},
	})

	resp, err := c.Request(context.Background(), "GET", "/health", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestResume_BadTokenWithoutPasswordFails(t *testing.T) {
	env := newSDKEnv(t)

	_, err := Dial(context.Background(), Config{
		URL:      env.wsURL("/remote"),
		Identity: testIdentity,
		Resume:   &ResumeState{Token: "bogus", Key: make([]byte, 32)},
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, protocol.SRPCodeInvalidToken, authErr.Code)
}

// ============================================================================
// BROKER PAIRING ERRORS
// ============================================================================

func TestDial_BrokerRefusal(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var m brokerMessage
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		ws.WriteJSON(brokerMessage{Type: "client_error", Reason: "unknown_username"})
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), Config{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Username: "ghost",
		Identity: testIdentity,
		Password: testPassword,
	})
	var refused *BrokerRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "unknown_username", refused.Reason)
}

// ============================================================================
// HTTP TRANSPORT
// ============================================================================

func TestTransport_RoundTrip(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()
	hc := &http.Client{Transport: &Transport{Client: c}}

	resp, err := hc.Get("http://origin/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
}

func TestTransport_UnwrapsTextBodies(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()
	hc := &http.Client{Transport: &Transport{Client: c}}

	resp, err := hc.Get("http://origin/api/text")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "plain text body", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestTransport_ErrorStatusIsAResponse(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()
	hc := &http.Client{Transport: &Transport{Client: c}}

	resp, err := hc.Get("http://origin/api/nope")
	require.NoError(t, err, "HTTP errors are responses, not transport failures")
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestTransport_PostJSON(t *testing.T) {
	env := newSDKEnv(t)
	c := env.dialLocal()
	hc := &http.Client{Transport: &Transport{Client: c}}

	resp, err := hc.Post("http://origin/api/echo", "application/json",
		strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(body))
}
