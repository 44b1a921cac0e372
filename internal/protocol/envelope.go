package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the secretbox nonce length in bytes.
	NonceSize = 24
	// KeySize is the session key length in bytes.
	KeySize = 32
)

// ErrDecryptFailed covers every way an encrypted envelope can fail to open:
// bad base64, wrong nonce length, MAC mismatch. Receivers drop the frame
// without answering, so the cause is deliberately not distinguished.
var ErrDecryptFailed = errors.New("envelope decryption failed")

// Seal encrypts a complete encoded frame under key with a fresh random
// nonce and wraps it in an Encrypted message.
func Seal(frame []byte, key *[KeySize]byte) (*Encrypted, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nil, frame, &nonce, key)
	return &Encrypted{
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(box),
	}, nil
}

// Open authenticates and decrypts an envelope, returning the enclosed
// frame bytes exactly as the sender encoded them.
func Open(env *Encrypted, key *[KeySize]byte) ([]byte, error) {
	rawNonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(rawNonce) != NonceSize {
		return nil, ErrDecryptFailed
	}
	box, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	var nonce [NonceSize]byte
	copy(nonce[:], rawNonce)
	frame, ok := secretbox.Open(nil, box, &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return frame, nil
}

// SealFrame is the common send path for an authenticated connection:
// encode m, seal it, and encode the envelope itself as a frame.
func SealFrame(m Message, key *[KeySize]byte) ([]byte, error) {
	inner, err := EncodeFrame(m)
	if err != nil {
		return nil, err
	}
	env, err := Seal(inner, key)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(env)
}
