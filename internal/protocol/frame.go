// Package protocol implements the relay wire format: the one-byte frame
// header, the JSON message union, and the secretbox envelope that carries
// application messages once a session key is established.
package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ============================================================================
// WIRE FRAME
// ============================================================================

// FrameFormat is the first byte of every binary relay frame.
type FrameFormat uint8

const (
	// FormatJSON frames carry a UTF-8 JSON message.
	FormatJSON FrameFormat = 0x01
	// FormatBinaryChunk frames carry a raw upload chunk. Reserved: decoded
	// but never emitted.
	FormatBinaryChunk FrameFormat = 0x02
	// FormatGzipJSON frames carry a gzip-compressed JSON message. Reserved:
	// decoded but never emitted.
	FormatGzipJSON FrameFormat = 0x03
)

func (f FrameFormat) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinaryChunk:
		return "BINARY_CHUNK"
	case FormatGzipJSON:
		return "GZIP_JSON"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(f))
	}
}

// ============================================================================
// FRAME ERRORS
// ============================================================================

// FrameErrorKind classifies every decode failure into one of exactly three
// kinds. The gateway treats all of them the same way: drop the message, log
// a warning, keep the connection.
type FrameErrorKind string

const (
	KindUnknownFormat FrameErrorKind = "UNKNOWN_FORMAT"
	KindInvalidUTF8   FrameErrorKind = "INVALID_UTF8"
	KindInvalidJSON   FrameErrorKind = "INVALID_JSON"
)

// FrameError is the error type returned by the frame decoder.
type FrameError struct {
	Kind FrameErrorKind
	err  error
}

func (e *FrameError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return string(e.Kind)
}

func (e *FrameError) Unwrap() error { return e.err }

func frameError(kind FrameErrorKind, err error) *FrameError {
	return &FrameError{Kind: kind, err: err}
}

// FrameErrorOf reports the kind of a decode failure, when err is one.
func FrameErrorOf(err error) (FrameErrorKind, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// ============================================================================
// ENCODE / DECODE
// ============================================================================

// EncodeFrame serializes a message as a binary relay frame. New code always
// emits FormatJSON; the compressed and chunk formats exist for decode
// compatibility only.
func EncodeFrame(m Message) ([]byte, error) {
	body, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(body))
	frame[0] = byte(FormatJSON)
	copy(frame[1:], body)
	return frame, nil
}

// DecodeFrame parses a binary relay frame. Failures are reported as a
// *FrameError with one of the three defined kinds; a well-formed frame with
// an unsupported message type is reported via ErrUnsupportedType instead.
func DecodeFrame(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, frameError(KindUnknownFormat, fmt.Errorf("empty frame"))
	}

	switch FrameFormat(data[0]) {
	case FormatJSON:
		return decodeJSONPayload(data[1:])

	case FormatBinaryChunk:
		chunk := make([]byte, len(data)-1)
		copy(chunk, data[1:])
		return &BinaryChunk{Data: chunk}, nil

	case FormatGzipJSON:
		payload, err := gunzip(data[1:])
		if err != nil {
			return nil, frameError(KindInvalidJSON, fmt.Errorf("gzip payload: %w", err))
		}
		return decodeJSONPayload(payload)

	default:
		return nil, frameError(KindUnknownFormat, fmt.Errorf("format byte 0x%02X", data[0]))
	}
}

// DecodeText parses a text frame. Text frames carry the same JSON messages
// as FormatJSON binary frames and are accepted for browser compatibility.
func DecodeText(data []byte) (Message, error) {
	return decodeJSONPayload(data)
}

func decodeJSONPayload(payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return nil, frameError(KindInvalidUTF8, fmt.Errorf("%d byte payload", len(payload)))
	}
	return Unmarshal(payload)
}

func gunzip(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	// The reader is capped well above the WebSocket read limit so a bogus
	// frame cannot balloon memory.
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxInflatedSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedSize)
	}
	return out, nil
}

const maxInflatedSize = 4 << 20
