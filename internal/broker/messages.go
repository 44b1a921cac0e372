// Package broker pairs origin and client WebSockets by username and pipes
// bytes between them. It speaks a small JSON control protocol up to the
// moment of pairing and never parses application payloads after it.
package broker

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Control message types exchanged before pipe mode.
const (
	typeServerRegister   = "server_register"
	typeServerRegistered = "server_registered"
	typeServerRejected   = "server_rejected"
	typeServerConnected  = "server_connected"
	typeClientConnect    = "client_connect"
	typeClientConnected  = "client_connected"
	typeClientError      = "client_error"
)

// Rejection reasons. Every one is followed by a connection close.
const (
	ReasonInvalidUsername = "invalid_username"
	ReasonUsernameTaken   = "username_taken"
	ReasonUnknownUsername = "unknown_username"
	ReasonServerOffline   = "server_offline"
)

// controlMessage covers the whole pre-pairing surface; which fields are
// set depends on Type.
type controlMessage struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	InstallID string `json:"installId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func decodeControl(data []byte) (*controlMessage, error) {
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("control message without a type")
	}
	return &m, nil
}

func encodeControl(m *controlMessage) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		// controlMessage has only string fields.
		panic(err)
	}
	return data
}

// 3-32 chars of [a-z0-9-], no leading or trailing dash.
var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,30}[a-z0-9]$`)

// ValidUsername reports whether name is a legal broker username.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
