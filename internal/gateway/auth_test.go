package gateway

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yepanywhere/relay/internal/protocol"
	"github.com/yepanywhere/relay/internal/srp"
)

// sendPlain writes a message unsealed regardless of the client key, for
// driving the handshake restart path.
func (c *wsClient) sendPlain(m protocol.Message) {
	c.t.Helper()
	frame, err := protocol.EncodeFrame(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, frame))
}

// handshake runs the client side of the 4-message exchange and installs
// the derived session key on the wire client.
func handshake(t *testing.T, c *wsClient, identity, password string) {
	t.Helper()

	client, err := srp.NewClientSession(srp.RFC5054Group2048, identity, password)
	require.NoError(t, err)

	c.send(&protocol.SRPHello{Identity: identity})

	m := c.recv()
	challenge, ok := m.(*protocol.SRPChallenge)
	require.True(t, ok, "expected srp_challenge, got %s", m.MessageType())

	salt, err := base64.StdEncoding.DecodeString(challenge.Salt)
	require.NoError(t, err)
	serverB, err := base64.StdEncoding.DecodeString(challenge.B)
	require.NoError(t, err)
	require.NoError(t, client.SetChallenge(salt, serverB))

	m1, err := client.M1()
	require.NoError(t, err)
	c.send(&protocol.SRPProof{
		A:  base64.StdEncoding.EncodeToString(client.A()),
		M1: base64.StdEncoding.EncodeToString(m1),
	})

	m = c.recv()
	verify, ok := m.(*protocol.SRPVerify)
	require.True(t, ok, "expected srp_verify, got %s", m.MessageType())
	m2, err := base64.StdEncoding.DecodeString(verify.M2)
	require.NoError(t, err)
	require.True(t, client.VerifyM2(m2), "server proof must verify")

	key, err := client.Key()
	require.NoError(t, err)
	c.key = key
}

// handshakeWithToken additionally consumes the resume token that follows
// a successful handshake on the encrypted channel.
func handshakeWithToken(t *testing.T, c *wsClient) *protocol.ResumeToken {
	t.Helper()
	handshake(t, c, testIdentity, testPassword)
	m := c.recv()
	token, ok := m.(*protocol.ResumeToken)
	require.True(t, ok, "expected resume_token, got %s", m.MessageType())
	require.NotEmpty(t, token.Token)
	return token
}

func (c *wsClient) expectSRPError(code string) *protocol.SRPError {
	c.t.Helper()
	m := c.recv()
	e, ok := m.(*protocol.SRPError)
	require.True(c.t, ok, "expected srp_error, got %s", m.MessageType())
	assert.Equal(c.t, code, e.Code)
	return e
}

// ============================================================================
// HANDSHAKE
// ============================================================================

func TestGatewayAuth_FullHandshake(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()

	token := handshakeWithToken(t, c)
	assert.Greater(t, token.ExpiresAt, time.Now().UnixMilli())

	// The channel is now encrypted end to end.
	resp := c.roundTrip("r1")
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Body))
}

func TestGatewayAuth_RequestBeforeAuthIsDropped(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()

	// Dropped without a reply; the next frame the server sends is the
	// challenge for the hello that follows.
	c.send(&protocol.Request{ID: "early", Method: "GET", Path: "/health"})
	handshake(t, c, testIdentity, testPassword)
}

func TestGatewayAuth_WrongPasswordRejected(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()

	client, err := srp.NewClientSession(srp.RFC5054Group2048, testIdentity, "not the password")
	require.NoError(t, err)

	c.send(&protocol.SRPHello{Identity: testIdentity})
	challenge := c.recv().(*protocol.SRPChallenge)
	salt, _ := base64.StdEncoding.DecodeString(challenge.Salt)
	serverB, _ := base64.StdEncoding.DecodeString(challenge.B)
	require.NoError(t, client.SetChallenge(salt, serverB))
	m1, err := client.M1()
	require.NoError(t, err)

	c.send(&protocol.SRPProof{
		A:  base64.StdEncoding.EncodeToString(client.A()),
		M1: base64.StdEncoding.EncodeToString(m1),
	})
	c.expectSRPError(protocol.SRPCodeInvalidProof)

	// One failure does not burn the connection; a correct handshake
	// still succeeds.
	handshake(t, c, testIdentity, testPassword)
}

func TestGatewayAuth_UnknownIdentityCloses(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()

	c.send(&protocol.SRPHello{Identity: "stranger"})
	c.expectSRPError(protocol.SRPCodeInvalidIdentity)
	c.recvClosed()
}

func TestGatewayAuth_DisabledRemoteAccessCloses(t *testing.T) {
	env := newTestEnv(t, StaticAccess{Enabled: false, User: testIdentity})
	c := env.dialRemote()

	c.send(&protocol.SRPHello{Identity: testIdentity})
	c.expectSRPError(protocol.SRPCodeInvalidIdentity)
	c.recvClosed()
}

func TestGatewayAuth_RepeatedFailuresClose(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()

	// Proofs without a handshake in progress each count as a failure.
	for i := 0; i < 3; i++ {
		c.send(&protocol.SRPProof{A: "QQ==", M1: "QQ=="})
		c.expectSRPError(protocol.SRPCodeInvalidProof)
	}
	c.recvClosed()
}

// ============================================================================
// RESUME TOKENS
// ============================================================================

func TestGatewayAuth_ResumeRestoresSession(t *testing.T) {
	env := newTestEnv(t, testAccess(t))

	c1 := env.dialRemote()
	token := handshakeWithToken(t, c1)
	sessionKey := c1.key
	c1.ws.Close()

	c2 := env.dialRemote()
	c2.send(&protocol.SRPResume{Identity: testIdentity, Token: token.Token})
	m := c2.recv()
	_, ok := m.(*protocol.SRPResumed)
	require.True(t, ok, "expected srp_resumed, got %s", m.MessageType())

	c2.key = sessionKey
	resp := c2.roundTrip("r1")
	assert.Equal(t, 200, resp.Status)

	// Tokens survive redemption; a third connection can resume too.
	c3 := env.dialRemote()
	c3.send(&protocol.SRPResume{Identity: testIdentity, Token: token.Token})
	m = c3.recv()
	_, ok = m.(*protocol.SRPResumed)
	require.True(t, ok, "expected srp_resumed, got %s", m.MessageType())
}

func TestGatewayAuth_ResumeRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, testAccess(t))

	c1 := env.dialRemote()
	token := handshakeWithToken(t, c1)
	c1.ws.Close()

	// Wrong token.
	c2 := env.dialRemote()
	c2.send(&protocol.SRPResume{Identity: testIdentity, Token: "bogus"})
	c2.expectSRPError(protocol.SRPCodeInvalidToken)

	// Right token, wrong identity.
	c2.send(&protocol.SRPResume{Identity: "stranger", Token: token.Token})
	c2.expectSRPError(protocol.SRPCodeInvalidToken)

	// The connection is still good for a full handshake.
	handshake(t, c2, testIdentity, testPassword)
}

func TestGatewayAuth_LogoutRevokesTokens(t *testing.T) {
	env := newTestEnv(t, testAccess(t))

	c1 := env.dialRemote()
	token := handshakeWithToken(t, c1)
	c1.ws.Close()

	env.g.Logout()

	c2 := env.dialRemote()
	c2.send(&protocol.SRPResume{Identity: testIdentity, Token: token.Token})
	c2.expectSRPError(protocol.SRPCodeInvalidToken)
}

// ============================================================================
// ENCRYPTED CHANNEL
// ============================================================================

func TestGatewayAuth_TamperedEnvelopeSilentlyDropped(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()
	handshakeWithToken(t, c)

	wrongKey := &[protocol.KeySize]byte{1, 2, 3}
	frame, err := protocol.SealFrame(&protocol.Request{ID: "evil", Method: "GET", Path: "/health"}, wrongKey)
	require.NoError(t, err)
	c.sendRaw(frame)

	// No reply for the forged envelope; the next frame received belongs
	// to the legitimate request.
	resp := c.roundTrip("legit")
	assert.Equal(t, 200, resp.Status)
}

func TestGatewayAuth_HelloWhileAuthenticatedRestarts(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()
	handshakeWithToken(t, c)

	// A plaintext hello tears the session down and starts over.
	c.sendPlain(&protocol.SRPHello{Identity: testIdentity})
	c.key = nil

	m := c.recv()
	challenge, ok := m.(*protocol.SRPChallenge)
	require.True(t, ok, "expected srp_challenge, got %s", m.MessageType())

	client, err := srp.NewClientSession(srp.RFC5054Group2048, testIdentity, testPassword)
	require.NoError(t, err)
	salt, _ := base64.StdEncoding.DecodeString(challenge.Salt)
	serverB, _ := base64.StdEncoding.DecodeString(challenge.B)
	require.NoError(t, client.SetChallenge(salt, serverB))
	m1, err := client.M1()
	require.NoError(t, err)
	c.send(&protocol.SRPProof{
		A:  base64.StdEncoding.EncodeToString(client.A()),
		M1: base64.StdEncoding.EncodeToString(m1),
	})

	verify := c.recv().(*protocol.SRPVerify)
	m2, _ := base64.StdEncoding.DecodeString(verify.M2)
	require.True(t, client.VerifyM2(m2))

	c.key, err = client.Key()
	require.NoError(t, err)

	// Fresh key, fresh token, working channel.
	m = c.recv()
	_, ok = m.(*protocol.ResumeToken)
	require.True(t, ok, "expected resume_token, got %s", m.MessageType())
	resp := c.roundTrip("r1")
	assert.Equal(t, 200, resp.Status)
}

func TestGatewayAuth_OtherPlaintextWhileAuthenticatedDropped(t *testing.T) {
	env := newTestEnv(t, testAccess(t))
	c := env.dialRemote()
	handshakeWithToken(t, c)

	c.sendPlain(&protocol.Request{ID: "plain", Method: "GET", Path: "/health"})

	// Dropped; the encrypted channel is unaffected.
	resp := c.roundTrip("sealed")
	assert.Equal(t, 200, resp.Status)
}
