// Package srp implements the SRP-6a password-authenticated key exchange
// used by the relay handshake.
//
// The construction follows RFC 5054 for the group parameters and the
// padded hash inputs of u and k, and RFC 2945 for the proof values M1 and
// M2, with SHA-256 as the hash throughout the exchange. The transport key
// handed to the secretbox layer is derived separately: the first 32 bytes
// of SHA-512 over the raw session value S.
//
// Neither side trusts the other's public value: a public value congruent
// to zero modulo N is rejected before any exponentiation, and proofs are
// compared in constant time.
package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"
)

// SessionKeySize is the byte length of the derived transport key.
const SessionKeySize = 32

var (
	// ErrInvalidPublicKey means the peer's A or B was ≡ 0 (mod N), which
	// would force the shared secret to a known value.
	ErrInvalidPublicKey = errors.New("srp: public value is zero modulo N")
	// ErrInvalidScrambler means u hashed to zero, which collapses the
	// exchange. Astronomically unlikely with honest peers.
	ErrInvalidScrambler = errors.New("srp: scrambling parameter is zero")
	// ErrNotReady means a proof or key was requested before the exchange
	// reached the step that produces it.
	ErrNotReady = errors.New("srp: exchange has not reached this step")
)

const privateKeyBytes = 32

// ============================================================================
// HASH PRIMITIVES
// ============================================================================

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// computeK derives the SRP-6a multiplier k = H(PAD(N) | PAD(g)).
func computeK(g *Group) *big.Int {
	digest := hashBytes(g.pad(g.N), g.pad(g.G))
	return new(big.Int).SetBytes(digest)
}

// computeU derives the scrambling parameter u = H(PAD(A) | PAD(B)).
func computeU(g *Group, A, B *big.Int) *big.Int {
	digest := hashBytes(g.pad(A), g.pad(B))
	return new(big.Int).SetBytes(digest)
}

// computeX derives the private key value x = H(salt | H(identity ":" password)).
func computeX(identity, password string, salt []byte) *big.Int {
	inner := hashBytes([]byte(identity + ":" + password))
	return new(big.Int).SetBytes(hashBytes(salt, inner))
}

// computeM1 builds the client proof
// M1 = H(H(N) xor H(g), H(identity), salt, A, B, K).
func computeM1(g *Group, identity string, salt, A, B, K []byte) []byte {
	hn := hashBytes(g.N.Bytes())
	hg := hashBytes(g.G.Bytes())
	for i := range hn {
		hn[i] ^= hg[i]
	}
	return hashBytes(hn, hashBytes([]byte(identity)), salt, A, B, K)
}

// computeM2 builds the server proof M2 = H(A, M1, K).
func computeM2(A, M1, K []byte) []byte {
	return hashBytes(A, M1, K)
}

// deriveSessionKey turns the raw shared secret S into the transport key.
func deriveSessionKey(S *big.Int) *[SessionKeySize]byte {
	digest := sha512.Sum512(S.Bytes())
	var key [SessionKeySize]byte
	copy(key[:], digest[:SessionKeySize])
	return &key
}

func randomPrivate(g *Group) (*big.Int, error) {
	for {
		buf := make([]byte, privateKeyBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("srp: read random: %w", err)
		}
		v := new(big.Int).SetBytes(buf)
		v.Mod(v, g.N)
		if v.Sign() != 0 {
			return v, nil
		}
	}
}

// ============================================================================
// SERVER SESSION
// ============================================================================

// ServerSession holds the server half of one SRP exchange. It is built per
// handshake and never reused: a failed proof discards the whole session.
type ServerSession struct {
	group    *Group
	identity string
	salt     []byte
	verifier *big.Int

	b    *big.Int // server private
	bigB *big.Int

	key        *[SessionKeySize]byte
	expectedM1 []byte
	m2         []byte
}

// NewServerSession starts a server exchange from stored credentials. It
// generates the ephemeral private value and the public challenge B.
func NewServerSession(group *Group, identity string, salt, verifier []byte) (*ServerSession, error) {
	v := new(big.Int).SetBytes(verifier)
	if v.Sign() == 0 {
		return nil, errors.New("srp: empty verifier")
	}
	b, err := randomPrivate(group)
	if err != nil {
		return nil, err
	}

	// B = (k*v + g^b) mod N
	k := computeK(group)
	kv := new(big.Int).Mul(k, v)
	gb := new(big.Int).Exp(group.G, b, group.N)
	B := kv.Add(kv, gb)
	B.Mod(B, group.N)
	if B.Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	return &ServerSession{
		group:    group,
		identity: identity,
		salt:     append([]byte(nil), salt...),
		verifier: v,
		b:        b,
		bigB:     B,
	}, nil
}

// B returns the public challenge value in minimal big-endian form, as it
// travels on the wire.
func (s *ServerSession) B() []byte { return s.bigB.Bytes() }

// Salt returns the stored salt sent alongside B.
func (s *ServerSession) Salt() []byte { return s.salt }

// SetA ingests the client public value and computes the shared secret, the
// expected client proof, and the server proof.
func (s *ServerSession) SetA(clientA []byte) error {
	A := new(big.Int).SetBytes(clientA)
	if new(big.Int).Mod(A, s.group.N).Sign() == 0 {
		return ErrInvalidPublicKey
	}

	u := computeU(s.group, A, s.bigB)
	if u.Sign() == 0 {
		return ErrInvalidScrambler
	}

	// S = (A * v^u)^b mod N
	vu := new(big.Int).Exp(s.verifier, u, s.group.N)
	base := vu.Mul(vu, A)
	base.Mod(base, s.group.N)
	S := base.Exp(base, s.b, s.group.N)

	K := hashBytes(S.Bytes())
	s.expectedM1 = computeM1(s.group, s.identity, s.salt, A.Bytes(), s.bigB.Bytes(), K)
	s.m2 = computeM2(A.Bytes(), s.expectedM1, K)
	s.key = deriveSessionKey(S)
	return nil
}

// VerifyM1 compares the client proof against the expected value in
// constant time. It never reveals which byte differed.
func (s *ServerSession) VerifyM1(m1 []byte) bool {
	if s.expectedM1 == nil {
		return false
	}
	return hmac.Equal(m1, s.expectedM1)
}

// M2 returns the server proof. Valid only after a successful SetA.
func (s *ServerSession) M2() ([]byte, error) {
	if s.m2 == nil {
		return nil, ErrNotReady
	}
	return s.m2, nil
}

// Key returns the derived 32-byte transport key.
func (s *ServerSession) Key() (*[SessionKeySize]byte, error) {
	if s.key == nil {
		return nil, ErrNotReady
	}
	return s.key, nil
}

// ============================================================================
// CLIENT SESSION
// ============================================================================

// ClientSession holds the client half of one SRP exchange.
type ClientSession struct {
	group    *Group
	identity string
	password string

	a    *big.Int // client private
	bigA *big.Int

	key        *[SessionKeySize]byte
	m1         []byte
	expectedM2 []byte
}

// NewClientSession starts a client exchange for the given identity and
// password, generating the ephemeral key pair.
func NewClientSession(group *Group, identity, password string) (*ClientSession, error) {
	a, err := randomPrivate(group)
	if err != nil {
		return nil, err
	}
	A := new(big.Int).Exp(group.G, a, group.N)
	return &ClientSession{
		group:    group,
		identity: identity,
		password: password,
		a:        a,
		bigA:     A,
	}, nil
}

// A returns the client public value in minimal big-endian form.
func (c *ClientSession) A() []byte { return c.bigA.Bytes() }

// SetChallenge ingests the server's salt and B and computes the shared
// secret and both proofs.
func (c *ClientSession) SetChallenge(salt, serverB []byte) error {
	B := new(big.Int).SetBytes(serverB)
	if new(big.Int).Mod(B, c.group.N).Sign() == 0 {
		return ErrInvalidPublicKey
	}

	u := computeU(c.group, c.bigA, B)
	if u.Sign() == 0 {
		return ErrInvalidScrambler
	}

	x := computeX(c.identity, c.password, salt)
	k := computeK(c.group)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(c.group.G, x, c.group.N)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, c.group.N)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)
	S := new(big.Int).Exp(base, exp, c.group.N)

	K := hashBytes(S.Bytes())
	c.m1 = computeM1(c.group, c.identity, salt, c.bigA.Bytes(), B.Bytes(), K)
	c.expectedM2 = computeM2(c.bigA.Bytes(), c.m1, K)
	c.key = deriveSessionKey(S)
	return nil
}

// M1 returns the client proof. Valid only after SetChallenge.
func (c *ClientSession) M1() ([]byte, error) {
	if c.m1 == nil {
		return nil, ErrNotReady
	}
	return c.m1, nil
}

// VerifyM2 compares the server proof in constant time.
func (c *ClientSession) VerifyM2(m2 []byte) bool {
	if c.expectedM2 == nil {
		return false
	}
	return hmac.Equal(m2, c.expectedM2)
}

// Key returns the derived 32-byte transport key.
func (c *ClientSession) Key() (*[SessionKeySize]byte, error) {
	if c.key == nil {
		return nil, ErrNotReady
	}
	return c.key, nil
}
