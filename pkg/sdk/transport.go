package sdk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yepanywhere/relay/internal/protocol"
)

// Transport adapts a Client to http.RoundTripper, so code written
// against net/http can reach an origin through the relay unchanged:
//
//	httpClient := &http.Client{Transport: &sdk.Transport{Client: client}}
//	resp, err := httpClient.Get("http://origin/api/sessions")
//
// The URL host is ignored; only the path and query travel.
type Transport struct {
	Client *Client
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := transportBody(req)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Header))
	for name := range req.Header {
		headers[name] = req.Header.Get(name)
	}

	pr, err := t.Client.do(req.Context(), &protocol.Request{
		Method:  req.Method,
		Path:    req.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	return transportResponse(req, pr), nil
}

// transportBody drains the request body into the JSON shape the origin
// expects: raw when it already is JSON, a JSON string otherwise.
func transportBody(req *http.Request) (json.RawMessage, error) {
	if req.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("relay-sdk: read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if isJSONContentType(req.Header.Get("Content-Type")) && json.Valid(data) {
		return data, nil
	}
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("relay-sdk: encode request body: %w", err)
	}
	return quoted, nil
}

// transportResponse rebuilds an http.Response. Non-JSON payloads arrive
// from the origin as JSON strings and are unwrapped back to bytes.
func transportResponse(req *http.Request, pr *protocol.Response) *http.Response {
	header := make(http.Header, len(pr.Headers))
	for name, value := range pr.Headers {
		header.Set(name, value)
	}

	body := []byte(pr.Body)
	if !isJSONContentType(pr.Headers["Content-Type"]) {
		var s string
		if json.Unmarshal(body, &s) == nil {
			body = []byte(s)
		}
	}

	return &http.Response{
		StatusCode:    pr.Status,
		Status:        fmt.Sprintf("%d %s", pr.Status, http.StatusText(pr.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "application/json") || strings.HasSuffix(ct, "+json")
}
