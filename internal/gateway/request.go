package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yepanywhere/relay/internal/protocol"
)

// handleRequest synthesizes a local HTTP exchange for one request message
// and answers with a response correlated by id.
func (c *conn) handleRequest(req *protocol.Request) {
	c.sendMessage(c.fetchLocal(req))
}

// fetchLocal routes the request through the in-process mux. No network is
// involved; the "exchange" is one ServeHTTP call against a recorder.
func (c *conn) fetchLocal(req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Gateway] local handler panic", "path", req.Path, "panic", r)
			resp = internalErrorResponse(req.ID)
		}
	}()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hr, err := http.NewRequest(method, req.Path, body)
	if err != nil {
		slog.Warn("[Gateway] unroutable request", "method", method, "path", req.Path, "error", err)
		return internalErrorResponse(req.ID)
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	// Local handlers can tell relayed traffic apart from direct calls.
	hr.Header.Set("X-Yep-Anywhere", "true")
	hr.Header.Set("X-Ws-Relay", "true")
	if len(req.Body) > 0 && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	hr.RemoteAddr = "127.0.0.1:0"

	rec := newResponseRecorder()
	c.g.mux.ServeHTTP(rec, hr)
	return rec.toResponse(req.ID)
}

func internalErrorResponse(id string) *protocol.Response {
	return &protocol.Response{
		ID:     id,
		Status: http.StatusInternalServerError,
		Body:   mustJSON(map[string]string{"error": "Internal server error"}),
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// ============================================================================
// RESPONSE RECORDER
// ============================================================================

// responseRecorder captures what a local handler writes. It is the whole
// server side of the in-process exchange.
type responseRecorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{status: http.StatusOK, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

// toResponse converts the recording into a wire response. JSON bodies
// travel as raw JSON; anything else becomes a JSON string.
func (r *responseRecorder) toResponse(id string) *protocol.Response {
	resp := &protocol.Response{ID: id, Status: r.status}

	if len(r.header) > 0 {
		resp.Headers = make(map[string]string, len(r.header))
		for k, v := range r.header {
			resp.Headers[k] = strings.Join(v, ", ")
		}
	}

	raw := r.body.Bytes()
	if len(raw) == 0 {
		return resp
	}
	if isJSONContentType(r.header.Get("Content-Type")) && json.Valid(raw) {
		resp.Body = append(json.RawMessage(nil), raw...)
	} else {
		resp.Body = mustJSON(string(raw))
	}
	return resp
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "application/json") || strings.HasSuffix(ct, "+json")
}
