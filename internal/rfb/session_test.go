// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandler records every decoded event for later assertions.
type fakeHandler struct {
	mu sync.Mutex

	users map[string]string

	authorized []string
	keys       []string
	keyStates  []bool
	pointers   []PointerButtons
	wheels     []PointerWheel
	moves      []PointerMove
	cuts       []string
	encodings  []ClientEncodings
	fbRequests int
}

func (h *fakeHandler) Authorize(_ context.Context, user, passwd string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorized = append(h.authorized, user)
	return h.users[user] == passwd, nil
}

func (h *fakeHandler) OnKeyEvent(key string, state bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = append(h.keys, key)
	h.keyStates = append(h.keyStates, state)
	return nil
}

func (h *fakeHandler) OnPointerEvent(buttons PointerButtons, wheel PointerWheel, move PointerMove) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pointers = append(h.pointers, buttons)
	h.wheels = append(h.wheels, wheel)
	h.moves = append(h.moves, move)
	return nil
}

func (h *fakeHandler) OnCutEvent(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cuts = append(h.cuts, text)
	return nil
}

func (h *fakeHandler) OnSetEncodings(encodings ClientEncodings) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.encodings = append(h.encodings, encodings)
	return nil
}

func (h *fakeHandler) OnFBUpdateRequest() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fbRequests++
	return nil
}

// testClient drives the client side of the wire synchronously.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func (c *testClient) write(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *testClient) writeU8(v uint8)   { c.write([]byte{v}) }
func (c *testClient) writeU16(v uint16) { c.write(binary.BigEndian.AppendUint16(nil, v)) }
func (c *testClient) writeU32(v uint32) { c.write(binary.BigEndian.AppendUint32(nil, v)) }
func (c *testClient) writeS32(v int32)  { c.writeU32(uint32(v)) }

func (c *testClient) read(n int) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(c.t, err)
	return buf
}

func (c *testClient) readU8() uint8   { return c.read(1)[0] }
func (c *testClient) readU32() uint32 { return binary.BigEndian.Uint32(c.read(4)) }

func (c *testClient) readReason() string {
	c.t.Helper()
	length := c.readU32()
	require.Less(c.t, length, uint32(1024))
	return string(c.read(int(length)))
}

func (c *testClient) sendSetEncodings(encodings []int32) {
	c.t.Helper()
	c.writeU8(msgSetEncodings)
	c.writeU8(0)
	c.writeU16(uint16(len(encodings)))
	for _, encoding := range encodings {
		c.writeS32(encoding)
	}
}

// startSession runs a session against one end of a pipe and returns the
// client side plus the session result channel.
func startSession(t *testing.T, sec SecurityConfig, handler Handler) (*testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	shared := NewSharedParams(Params{Width: 800, Height: 600, Name: "PiKVM"})
	session := NewSession(server, shared, sec, handler, discardLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- session.Run(context.Background()) }()
	return &testClient{t: t, conn: client}, errCh
}

func waitSession(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

// handshakeNone performs the version, None security and init exchanges,
// asserting the server banner and ServerInit contents along the way.
func handshakeNone(c *testClient) {
	c.t.Helper()

	require.Equal(c.t, "RFB 003.008\n", string(c.read(12)))
	c.write([]byte("RFB 003.008\n"))

	count := c.readU8()
	types := c.read(int(count))
	assert.Equal(c.t, []byte{securityTypeVeNCrypt, securityTypeNone}, types)
	c.writeU8(securityTypeNone)

	require.Equal(c.t, uint32(0), c.readU32(), "SecurityResult")

	c.writeU8(1) // shared flag, ignored

	assert.Equal(c.t, []byte{0x03, 0x20}, c.read(2), "width 800")
	assert.Equal(c.t, []byte{0x02, 0x58}, c.read(2), "height 600")
	assert.Equal(c.t, []byte{
		32, 24, 0, 1,
		0, 255, 0, 255, 0, 255,
		16, 8, 0,
		0, 0, 0,
	}, c.read(16), "pixel format")
	assert.Equal(c.t, "PiKVM", c.readReason(), "desktop name")
}

func TestVersionRefusalForOldClients(t *testing.T) {
	for _, reply := range []string{"RFB 003.003\n", "RFB 003.005\n"} {
		t.Run(reply[4:11], func(t *testing.T) {
			client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

			require.Equal(t, "RFB 003.008\n", string(client.read(12)))
			client.write([]byte(reply))

			assert.Equal(t, uint32(0), client.readU32(), "zero security types")
			assert.Contains(t, client.readReason(), "3.7 at least")
			assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
		})
	}
}

func TestVersionGarbageRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	client.read(12)
	client.write([]byte("HTTP/1.1 200"))

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

func TestNoneAuthSession(t *testing.T) {
	handler := &fakeHandler{}
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, handler)

	handshakeNone(client)

	client.sendSetEncodings([]int32{EncodingTight, -23})

	// FramebufferUpdateRequest: incremental flag plus region, all ignored.
	client.writeU8(msgFBUpdateRequest)
	client.write(make([]byte, 9))

	// KeyEvent: press and release XK_a.
	client.writeU8(msgKeyEvent)
	client.write([]byte{1, 0, 0})
	client.writeU32(0x61)
	client.writeU8(msgKeyEvent)
	client.write([]byte{0, 0, 0})
	client.writeU32(0x61)

	// PointerEvent: left button held in the framebuffer center.
	client.writeU8(msgPointerEvent)
	client.writeU8(0x1)
	client.writeU16(400)
	client.writeU16(300)

	// PointerEvent: wheel up tick.
	client.writeU8(msgPointerEvent)
	client.writeU8(0x8)
	client.writeU16(400)
	client.writeU16(300)

	// ClientCutText.
	client.writeU8(msgClientCutText)
	client.write([]byte{0, 0, 0})
	client.writeU32(5)
	client.write([]byte("hello"))

	_ = client.conn.Close()
	err := waitSession(t, errCh)
	assert.True(t, IsRFBError(err, ErrNetwork), "got: %v", err)

	handler.mu.Lock()
	defer handler.mu.Unlock()

	require.Len(t, handler.encodings, 1)
	ce := handler.encodings[0]
	assert.True(t, ce.SupportsTightJPEG())
	assert.Equal(t, uint(100), ce.TightJPEGQuality)
	assert.False(t, ce.HasH264)

	assert.Equal(t, 1, handler.fbRequests)

	assert.Equal(t, []string{"KeyA", "KeyA"}, handler.keys)
	assert.Equal(t, []bool{true, false}, handler.keyStates)

	require.Len(t, handler.pointers, 2)
	assert.True(t, handler.pointers[0].Left)
	assert.False(t, handler.pointers[0].Middle)
	assert.Equal(t, PointerWheel{}, handler.wheels[0])
	assert.Equal(t, PointerWheel{Y: 4}, handler.wheels[1])
	// 400/800 and 300/600 both land in the middle of the device range.
	assert.Equal(t, PointerMove{X: 0, Y: 0}, handler.moves[0])

	assert.Equal(t, []string{"hello"}, handler.cuts)
}

func TestSetEncodingsWithoutTightRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)
	client.sendSetEncodings([]int32{0}) // Raw only

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrUnsupported))
}

func TestTightWithoutQualityRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)
	client.sendSetEncodings([]int32{EncodingTight})

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrUnsupported))
}

func TestExtKeysAckSentOnce(t *testing.T) {
	handler := &fakeHandler{}
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, handler)

	handshakeNone(client)
	client.sendSetEncodings([]int32{EncodingTight, -23, EncodingExtKeys})

	// The ack is an empty pseudo-rect carrying the ExtKeys encoding.
	header := client.read(16)
	assert.Equal(t, byte(0), header[0])
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(header[2:4]))
	assert.Equal(t, EncodingExtKeys, int32(binary.BigEndian.Uint32(header[12:])))

	// A repeated SetEncodings must not trigger a second ack: the next
	// server bytes must belong to something else, so send a QEMU extended
	// key event and observe it arriving at the handler instead.
	client.sendSetEncodings([]int32{EncodingTight, -23, EncodingExtKeys})

	client.writeU8(msgQEMUClientMessage)
	client.writeU8(0)
	client.writeU16(1)       // press
	client.writeU32(0)       // keysym, ignored
	client.writeU32(0x1E)    // AT1 scancode for KeyA
	client.writeU8(99)       // unknown message type ends the session
	err := waitSession(t, errCh)
	assert.True(t, IsRFBError(err, ErrProtocol))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"KeyA"}, handler.keys)
	assert.Len(t, handler.encodings, 2)
}

func TestUnknownQEMUSubtypeRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)
	client.sendSetEncodings([]int32{EncodingTight, -23})

	client.writeU8(msgQEMUClientMessage)
	client.writeU8(7)

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

func TestSetPixelFormatRejectsUnusableDepth(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)

	client.writeU8(msgSetPixelFormat)
	client.write([]byte{0, 0, 0})
	format := make([]byte, 16)
	format[0] = 8 // bits-per-pixel
	client.write(format)

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrUnsupported))
}

func TestVNCAuthAcceptsConfiguredPassword(t *testing.T) {
	manager := NewVNCAuthManager(writePasswdFile(t, "secret -> admin:adminpass\n"), true, discardLogger())
	client, errCh := startSession(t, SecurityConfig{VNCAuth: manager}, &fakeHandler{})

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	types := client.read(int(count))
	assert.Equal(t, []byte{securityTypeVeNCrypt, securityTypeVNCAuth}, types)
	client.writeU8(securityTypeVNCAuth)

	challenge := client.read(vncChallengeSize)
	response, err := encryptChallenge(challenge, "secret")
	require.NoError(t, err)
	client.write(response)

	assert.Equal(t, uint32(0), client.readU32(), "SecurityResult")

	_ = client.conn.Close()
	assert.Error(t, waitSession(t, errCh))
}

func TestVNCAuthRejectsWrongPassword(t *testing.T) {
	manager := NewVNCAuthManager(writePasswdFile(t, "secret -> admin:adminpass\n"), true, discardLogger())
	client, errCh := startSession(t, SecurityConfig{VNCAuth: manager}, &fakeHandler{})

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	client.read(int(count))
	client.writeU8(securityTypeVNCAuth)

	challenge := client.read(vncChallengeSize)
	response, err := encryptChallenge(challenge, "wrong")
	require.NoError(t, err)
	client.write(response)

	assert.Equal(t, uint32(1), client.readU32(), "SecurityResult")
	assert.Contains(t, client.readReason(), "invalid VNC password")
	assert.True(t, IsRFBError(waitSession(t, errCh), ErrAuthentication))
}

func TestVeNCryptPlainAuth(t *testing.T) {
	handler := &fakeHandler{users: map[string]string{"admin": "adminpass"}}
	client, errCh := startSession(t, SecurityConfig{UserPassAuth: true}, handler)

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	types := client.read(int(count))
	assert.Equal(t, []byte{securityTypeVeNCrypt}, types)
	client.writeU8(securityTypeVeNCrypt)

	assert.Equal(t, []byte{0, 2}, client.read(2), "VeNCrypt version")
	client.write([]byte{0, 2})
	assert.Equal(t, uint8(0), client.readU8(), "version ack")

	subtypeCount := client.readU8()
	require.Equal(t, uint8(1), subtypeCount, "only Plain without TLS")
	assert.Equal(t, vencryptPlain, client.readU32())
	client.writeU32(vencryptPlain)

	client.writeU32(5)
	client.writeU32(9)
	client.write([]byte("admin"))
	client.write([]byte("adminpass"))

	assert.Equal(t, uint32(0), client.readU32(), "SecurityResult")

	_ = client.conn.Close()
	assert.Error(t, waitSession(t, errCh))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"admin"}, handler.authorized)
}

func TestVeNCryptPlainAuthDenied(t *testing.T) {
	handler := &fakeHandler{users: map[string]string{"admin": "adminpass"}}
	client, errCh := startSession(t, SecurityConfig{UserPassAuth: true}, handler)

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	client.read(int(count))
	client.writeU8(securityTypeVeNCrypt)

	client.read(2)
	client.write([]byte{0, 2})
	client.readU8()

	subtypeCount := client.readU8()
	client.read(int(subtypeCount) * 4)
	client.writeU32(vencryptPlain)

	client.writeU32(5)
	client.writeU32(3)
	client.write([]byte("admin"))
	client.write([]byte("bad"))

	assert.Equal(t, uint32(1), client.readU32(), "SecurityResult")
	assert.Contains(t, client.readReason(), "invalid username or password")
	assert.True(t, IsRFBError(waitSession(t, errCh), ErrAuthentication))
}

func TestVeNCryptVersionMismatch(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	client.read(int(count))
	client.writeU8(securityTypeVeNCrypt)

	client.read(2)
	client.write([]byte{0, 1})

	assert.Equal(t, uint8(1), client.readU8(), "version refusal")
	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

func TestVeNCryptUnofferedSubtypeRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	client.read(12)
	client.write([]byte("RFB 003.008\n"))

	count := client.readU8()
	client.read(int(count))
	client.writeU8(securityTypeVeNCrypt)

	client.read(2)
	client.write([]byte{0, 2})
	client.readU8()

	subtypeCount := client.readU8()
	client.read(int(subtypeCount) * 4)
	client.writeU32(vencryptTLSNone) // never offered without a certificate

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

func TestUnknownMessageTypeFailsSession(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)
	client.writeU8(99)

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

func TestTooManyEncodingsRejected(t *testing.T) {
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, &fakeHandler{})

	handshakeNone(client)
	client.writeU8(msgSetEncodings)
	client.writeU8(0)
	client.writeU16(maxClientEncodingCount + 1)

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrProtocol))
}

// testTLSConfig builds a server TLS config around a fresh self-signed
// certificate.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "okvmd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// vencryptToSubtypes drives the handshake up to the VeNCrypt subtype list
// and returns the offered subtypes.
func vencryptToSubtypes(c *testClient) []uint32 {
	c.t.Helper()

	c.read(12)
	c.write([]byte("RFB 003.008\n"))

	count := c.readU8()
	c.read(int(count))
	c.writeU8(securityTypeVeNCrypt)

	require.Equal(c.t, []byte{0, 2}, c.read(2), "VeNCrypt version")
	c.write([]byte{0, 2})
	require.Equal(c.t, uint8(0), c.readU8(), "version ack")

	subtypes := make([]uint32, c.readU8())
	for i := range subtypes {
		subtypes[i] = c.readU32()
	}
	return subtypes
}

// upgradeClientTLS completes the client half of the in-place TLS takeover.
func upgradeClientTLS(c *testClient) {
	c.t.Helper()

	require.Equal(c.t, uint8(1), c.readU8(), "subtype ack")
	raw := c.conn
	require.NoError(c.t, raw.SetDeadline(time.Now().Add(2*time.Second)))
	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	require.NoError(c.t, tlsConn.Handshake())
	require.NoError(c.t, raw.SetDeadline(time.Time{}))
	c.conn = tlsConn
}

func TestVeNCryptTLSNone(t *testing.T) {
	sec := SecurityConfig{
		NoneAuth:   true,
		TLSConfig:  testTLSConfig(t),
		TLSTimeout: 2 * time.Second,
	}
	client, errCh := startSession(t, sec, &fakeHandler{})

	subtypes := vencryptToSubtypes(client)
	assert.Equal(t, []uint32{vencryptX509None, vencryptTLSNone, vencryptNone}, subtypes)
	client.writeU32(vencryptTLSNone)

	upgradeClientTLS(client)

	// The rest of the handshake runs over the encrypted stream.
	assert.Equal(t, uint32(0), client.readU32(), "SecurityResult")
	client.writeU8(1)
	assert.Equal(t, []byte{0x03, 0x20}, client.read(2), "width 800")
	assert.Equal(t, []byte{0x02, 0x58}, client.read(2), "height 600")
	client.read(16)
	assert.Equal(t, "PiKVM", client.readReason())

	_ = client.conn.Close()
	assert.Error(t, waitSession(t, errCh))
}

func TestVeNCryptTLSPlain(t *testing.T) {
	handler := &fakeHandler{users: map[string]string{"admin": "adminpass"}}
	sec := SecurityConfig{
		UserPassAuth: true,
		TLSConfig:    testTLSConfig(t),
		TLSTimeout:   2 * time.Second,
	}
	client, errCh := startSession(t, sec, handler)

	subtypes := vencryptToSubtypes(client)
	assert.Equal(t, []uint32{vencryptX509Plain, vencryptTLSPlain, vencryptPlain}, subtypes)
	client.writeU32(vencryptTLSPlain)

	upgradeClientTLS(client)

	// Credentials travel only over the encrypted stream.
	client.writeU32(5)
	client.writeU32(9)
	client.write([]byte("admin"))
	client.write([]byte("adminpass"))

	assert.Equal(t, uint32(0), client.readU32(), "SecurityResult")

	_ = client.conn.Close()
	assert.Error(t, waitSession(t, errCh))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, []string{"admin"}, handler.authorized)
}

func TestVeNCryptTLSHandshakeTimeout(t *testing.T) {
	sec := SecurityConfig{
		NoneAuth:   true,
		TLSConfig:  testTLSConfig(t),
		TLSTimeout: 50 * time.Millisecond,
	}
	client, errCh := startSession(t, sec, &fakeHandler{})

	vencryptToSubtypes(client)
	client.writeU32(vencryptTLSNone)
	require.Equal(t, uint8(1), client.readU8(), "subtype ack")

	// Never start the client half of the TLS handshake.
	err := waitSession(t, errCh)
	assert.True(t, IsRFBError(err, ErrTimeout), "got: %v", err)
}

func TestCutTextLengthCapped(t *testing.T) {
	handler := &fakeHandler{}
	client, errCh := startSession(t, SecurityConfig{NoneAuth: true}, handler)

	handshakeNone(client)

	client.writeU8(msgClientCutText)
	client.write([]byte{0, 0, 0})
	client.writeU32(64 << 20)

	assert.True(t, IsRFBError(waitSession(t, errCh), ErrValidation))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Empty(t, handler.cuts)
}

func TestRemapCoordinate(t *testing.T) {
	assert.Equal(t, -32768, remapCoordinate(0, 800))
	assert.Equal(t, 0, remapCoordinate(400, 800))
	assert.Equal(t, 32767, remapCoordinate(800, 800))
	assert.Equal(t, -32768, remapCoordinate(100, 0), "degenerate geometry pins to the origin")
}
