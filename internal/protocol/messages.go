package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the discriminator of the relay message union.
type MessageType string

const (
	// Client → gateway.
	TypeRequest     MessageType = "request"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeUploadStart MessageType = "upload_start"
	TypeUploadChunk MessageType = "upload_chunk"
	TypeUploadEnd   MessageType = "upload_end"

	// Gateway → client.
	TypeResponse       MessageType = "response"
	TypeEvent          MessageType = "event"
	TypeUploadProgress MessageType = "upload_progress"
	TypeUploadComplete MessageType = "upload_complete"
	TypeUploadError    MessageType = "upload_error"
	TypeResumeToken    MessageType = "resume_token"

	// Handshake, always plaintext.
	TypeSRPHello     MessageType = "srp_hello"
	TypeSRPChallenge MessageType = "srp_challenge"
	TypeSRPProof     MessageType = "srp_proof"
	TypeSRPVerify    MessageType = "srp_verify"
	TypeSRPResume    MessageType = "srp_resume"
	TypeSRPResumed   MessageType = "srp_resumed"
	TypeSRPError     MessageType = "srp_error"

	// Envelope around any of the above once a session key exists.
	TypeEncrypted MessageType = "encrypted"

	// Synthetic type for FormatBinaryChunk frames; never appears in JSON.
	TypeBinaryChunk MessageType = "binary_chunk"
)

// SRP error codes carried by SRPError.
const (
	SRPCodeInvalidIdentity = "invalid_identity"
	SRPCodeInvalidProof    = "invalid_proof"
	SRPCodeInvalidToken    = "invalid_token"
	SRPCodeServerError     = "server_error"
)

// ErrUnsupportedType is returned when a frame parses cleanly but its type
// discriminator names no known message.
var ErrUnsupportedType = errors.New("unsupported message type")

// Message is one member of the relay message union.
type Message interface {
	MessageType() MessageType
}

// ============================================================================
// CLIENT → GATEWAY
// ============================================================================

// Request asks the gateway to run one HTTP exchange against the origin's
// local mux.
type Request struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (*Request) MessageType() MessageType { return TypeRequest }

// Subscribe opens a named event channel multiplexed over the connection.
type Subscribe struct {
	SubscriptionID string `json:"subscriptionId"`
	Channel        string `json:"channel"`
	SessionID      string `json:"sessionId,omitempty"`
	LastEventID    string `json:"lastEventId,omitempty"`
}

func (*Subscribe) MessageType() MessageType { return TypeSubscribe }

// Unsubscribe closes a previously opened subscription.
type Unsubscribe struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (*Unsubscribe) MessageType() MessageType { return TypeUnsubscribe }

// UploadStart begins a chunked upload.
type UploadStart struct {
	UploadID  string `json:"uploadId"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType,omitempty"`
}

func (*UploadStart) MessageType() MessageType { return TypeUploadStart }

// UploadChunk carries one base64 chunk at an absolute offset. The offset
// must equal the bytes the gateway has accepted so far.
type UploadChunk struct {
	UploadID string `json:"uploadId"`
	Offset   int64  `json:"offset"`
	Data     string `json:"data"`
}

func (*UploadChunk) MessageType() MessageType { return TypeUploadChunk }

// UploadEnd finalizes an upload.
type UploadEnd struct {
	UploadID string `json:"uploadId"`
}

func (*UploadEnd) MessageType() MessageType { return TypeUploadEnd }

// ============================================================================
// GATEWAY → CLIENT
// ============================================================================

// Response answers one Request, correlated by ID. Subscription failures are
// also reported as a Response whose ID is the subscriptionId.
type Response struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (*Response) MessageType() MessageType { return TypeResponse }

// Event delivers one subscription event.
type Event struct {
	SubscriptionID string          `json:"subscriptionId"`
	EventType      string          `json:"eventType"`
	EventID        string          `json:"eventId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func (*Event) MessageType() MessageType { return TypeEvent }

// UploadProgress reports cumulative accepted bytes for an upload.
type UploadProgress struct {
	UploadID      string `json:"uploadId"`
	BytesReceived int64  `json:"bytesReceived"`
}

func (*UploadProgress) MessageType() MessageType { return TypeUploadProgress }

// UploadComplete reports a finalized upload and its file metadata.
type UploadComplete struct {
	UploadID string          `json:"uploadId"`
	File     json.RawMessage `json:"file"`
}

func (*UploadComplete) MessageType() MessageType { return TypeUploadComplete }

// UploadError reports a failed upload; the server-side entry is gone.
type UploadError struct {
	UploadID string `json:"uploadId"`
	Error    string `json:"error"`
}

func (*UploadError) MessageType() MessageType { return TypeUploadError }

// ResumeToken hands the client an opaque token that can re-establish this
// session key on a later connection. Sent only inside the encrypted channel.
type ResumeToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (*ResumeToken) MessageType() MessageType { return TypeResumeToken }

// ============================================================================
// SRP HANDSHAKE
// ============================================================================

// SRPHello opens the handshake with the client's claimed identity.
type SRPHello struct {
	Identity string `json:"identity"`
}

func (*SRPHello) MessageType() MessageType { return TypeSRPHello }

// SRPChallenge answers a hello with the stored salt and the server public
// value B. Salt and B are standard base64.
type SRPChallenge struct {
	Salt string `json:"salt"`
	B    string `json:"B"`
}

func (*SRPChallenge) MessageType() MessageType { return TypeSRPChallenge }

// SRPProof carries the client public value A and the client proof M1.
type SRPProof struct {
	A  string `json:"A"`
	M1 string `json:"M1"`
}

func (*SRPProof) MessageType() MessageType { return TypeSRPProof }

// SRPVerify carries the server proof M2; receiving a valid one completes
// the handshake on the client side.
type SRPVerify struct {
	M2 string `json:"M2"`
}

func (*SRPVerify) MessageType() MessageType { return TypeSRPVerify }

// SRPResume attempts session resumption with a previously issued token.
type SRPResume struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

func (*SRPResume) MessageType() MessageType { return TypeSRPResume }

// SRPResumed confirms a successful resumption; the prior session key is
// live again on both sides.
type SRPResumed struct{}

func (*SRPResumed) MessageType() MessageType { return TypeSRPResumed }

// SRPError reports a handshake failure.
type SRPError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (*SRPError) MessageType() MessageType { return TypeSRPError }

// ============================================================================
// ENVELOPE AND CHUNKS
// ============================================================================

// Encrypted wraps a complete encoded frame in a secretbox. Nonce and
// ciphertext are standard base64.
type Encrypted struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func (*Encrypted) MessageType() MessageType { return TypeEncrypted }

// BinaryChunk is the decoded form of a FormatBinaryChunk frame. It has no
// JSON representation.
type BinaryChunk struct {
	Data []byte
}

func (*BinaryChunk) MessageType() MessageType { return TypeBinaryChunk }

// ============================================================================
// MARSHAL / UNMARSHAL
// ============================================================================

// Marshal serializes a message as a JSON object whose first member is the
// "type" discriminator.
func Marshal(m Message) ([]byte, error) {
	if _, ok := m.(*BinaryChunk); ok {
		return nil, fmt.Errorf("binary chunks have no JSON form")
	}

	fields, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.MessageType(), err)
	}

	var buf bytes.Buffer
	buf.Grow(len(fields) + 24)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(m.MessageType()))
	buf.WriteByte('"')
	if len(fields) > 2 {
		// Splice the struct's own members after the discriminator.
		buf.WriteByte(',')
		buf.Write(fields[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a JSON message by its type discriminator.
func Unmarshal(data []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, frameError(KindInvalidJSON, err)
	}

	m, err := emptyMessage(probe.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, frameError(KindInvalidJSON, fmt.Errorf("%s: %w", probe.Type, err))
	}
	if err := validate(m); err != nil {
		return nil, frameError(KindInvalidJSON, fmt.Errorf("%s: %w", probe.Type, err))
	}
	return m, nil
}

func emptyMessage(t MessageType) (Message, error) {
	switch t {
	case TypeRequest:
		return &Request{}, nil
	case TypeSubscribe:
		return &Subscribe{}, nil
	case TypeUnsubscribe:
		return &Unsubscribe{}, nil
	case TypeUploadStart:
		return &UploadStart{}, nil
	case TypeUploadChunk:
		return &UploadChunk{}, nil
	case TypeUploadEnd:
		return &UploadEnd{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeEvent:
		return &Event{}, nil
	case TypeUploadProgress:
		return &UploadProgress{}, nil
	case TypeUploadComplete:
		return &UploadComplete{}, nil
	case TypeUploadError:
		return &UploadError{}, nil
	case TypeResumeToken:
		return &ResumeToken{}, nil
	case TypeSRPHello:
		return &SRPHello{}, nil
	case TypeSRPChallenge:
		return &SRPChallenge{}, nil
	case TypeSRPProof:
		return &SRPProof{}, nil
	case TypeSRPVerify:
		return &SRPVerify{}, nil
	case TypeSRPResume:
		return &SRPResume{}, nil
	case TypeSRPResumed:
		return &SRPResumed{}, nil
	case TypeSRPError:
		return &SRPError{}, nil
	case TypeEncrypted:
		return &Encrypted{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, string(t))
	}
}

// validate enforces the structural minimum for each type: the fields
// without which the gateway could not even address an error reply.
// Semantic checks (unknown channel, missing sessionId, offset mismatches)
// belong to the handlers, which answer on the wire instead of dropping.
func validate(m Message) error {
	switch v := m.(type) {
	case *Request:
		if v.ID == "" {
			return fmt.Errorf("missing id")
		}
	case *Subscribe:
		if v.SubscriptionID == "" {
			return fmt.Errorf("missing subscriptionId")
		}
	case *Unsubscribe:
		if v.SubscriptionID == "" {
			return fmt.Errorf("missing subscriptionId")
		}
	case *UploadStart:
		if v.UploadID == "" {
			return fmt.Errorf("missing uploadId")
		}
		if v.Size < 0 {
			return fmt.Errorf("negative size %d", v.Size)
		}
	case *UploadChunk:
		if v.UploadID == "" {
			return fmt.Errorf("missing uploadId")
		}
		if v.Offset < 0 {
			return fmt.Errorf("negative offset %d", v.Offset)
		}
	case *UploadEnd:
		if v.UploadID == "" {
			return fmt.Errorf("missing uploadId")
		}
	case *Response:
		if v.ID == "" {
			return fmt.Errorf("missing id")
		}
	case *Event:
		if v.SubscriptionID == "" {
			return fmt.Errorf("missing subscriptionId")
		}
	case *UploadProgress, *UploadComplete, *UploadError:
		// Upload replies always carry their id; tolerate anything else.
	case *SRPHello:
		if v.Identity == "" {
			return fmt.Errorf("missing identity")
		}
	case *SRPChallenge:
		if v.Salt == "" || v.B == "" {
			return fmt.Errorf("missing salt or B")
		}
	case *SRPProof:
		if v.A == "" || v.M1 == "" {
			return fmt.Errorf("missing A or M1")
		}
	case *SRPVerify:
		if v.M2 == "" {
			return fmt.Errorf("missing M2")
		}
	case *SRPResume:
		if v.Identity == "" || v.Token == "" {
			return fmt.Errorf("missing identity or token")
		}
	case *SRPError:
		if v.Code == "" {
			return fmt.Errorf("missing code")
		}
	case *Encrypted:
		if v.Nonce == "" || v.Ciphertext == "" {
			return fmt.Errorf("missing nonce or ciphertext")
		}
	}
	return nil
}
