package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrConnectionLost is returned by every operation that was still in
// flight when the WebSocket died, and by calls made after Close.
var ErrConnectionLost = errors.New("relay-sdk: connection lost")

// StatusError is returned by Request when the origin answers with status
// 400 or above, and delivered to a subscription's OnClose when the
// gateway refuses the subscription.
type StatusError struct {
	Status  int
	Headers map[string]string
	Body    json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay-sdk: request failed with status %d", e.Status)
}

// AuthError reports a failed SRP handshake or resumption.
type AuthError struct {
	// Code is one of invalid_identity, invalid_proof, invalid_token,
	// server_error.
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay-sdk: authentication failed (%s)", e.Code)
	}
	return fmt.Sprintf("relay-sdk: authentication failed (%s): %s", e.Code, e.Message)
}

// BrokerRefusedError reports that the broker could not pair this client
// with the requested origin.
type BrokerRefusedError struct {
	// Reason is unknown_username or server_offline.
	Reason string
}

func (e *BrokerRefusedError) Error() string {
	return fmt.Sprintf("relay-sdk: broker refused connection (%s)", e.Reason)
}

// Response is the origin's answer to one Request.
type Response struct {
	Status  int
	Headers map[string]string

	// Body is raw JSON. Non-JSON origin responses arrive as a JSON string.
	Body json.RawMessage
}

// Event is one subscription event.
type Event struct {
	// Type is the gateway's eventType: connected, message, status,
	// markdown-augment, heartbeat, and so on.
	Type string

	// ID is the per-subscription sequence number. Heartbeats have none.
	ID string

	// Data is the event payload, unparsed.
	Data json.RawMessage
}

// File is the metadata of a completed upload.
type File struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mimeType,omitempty"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResumeState is everything a client must persist to resume a session on
// a later connection without re-entering the password.
type ResumeState struct {
	// Token is the opaque resume token issued by the gateway.
	Token string

	// Key is the 32-byte session key the token is bound to.
	Key []byte

	// ExpiresAt is when the gateway will stop honoring the token.
	ExpiresAt time.Time
}
