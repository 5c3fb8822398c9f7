// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Security types advertised during the security handshake.
const (
	securityTypeNone     uint8 = 1
	securityTypeVNCAuth  uint8 = 2
	securityTypeVeNCrypt uint8 = 19
)

// VeNCrypt 0.2 auth subtypes.
const (
	vencryptNone        uint32 = 1
	vencryptPlain       uint32 = 256
	vencryptTLSNone     uint32 = 257
	vencryptTLSVNCAuth  uint32 = 258
	vencryptTLSPlain    uint32 = 259
	vencryptX509None    uint32 = 260
	vencryptX509VNCAuth uint32 = 261
	vencryptX509Plain   uint32 = 262
)

// Client-to-server message types handled by the serving loop.
const (
	msgSetPixelFormat    uint8 = 0
	msgSetEncodings      uint8 = 2
	msgFBUpdateRequest   uint8 = 3
	msgKeyEvent          uint8 = 4
	msgPointerEvent      uint8 = 5
	msgClientCutText     uint8 = 6
	msgQEMUClientMessage uint8 = 255
)

const maxClientEncodingCount = 1024

var versionResponseRegexp = regexp.MustCompile(`^RFB 003\.00[3578]\n$`)

// PointerButtons is the decoded RFB pointer button mask.
type PointerButtons struct {
	Left   bool
	Right  bool
	Middle bool
}

// PointerWheel is one scroll step per axis, in canonical wheel units.
type PointerWheel struct {
	X int
	Y int
}

// PointerMove is an absolute pointer position remapped into the canonical
// [-32768, 32767] device coordinate space.
type PointerMove struct {
	X int
	Y int
}

// Handler receives decoded client events. A returned error terminates the
// session.
type Handler interface {
	// Authorize validates Plain (username+password) credentials.
	Authorize(ctx context.Context, user, passwd string) (bool, error)

	OnKeyEvent(key string, state bool) error
	OnPointerEvent(buttons PointerButtons, wheel PointerWheel, move PointerMove) error
	OnCutEvent(text string) error
	OnSetEncodings(encodings ClientEncodings) error
	OnFBUpdateRequest() error
}

// SecurityConfig selects which security types and VeNCrypt subtypes a
// session offers.
type SecurityConfig struct {
	// NoneAuth offers None(1) and the VeNCrypt None tiers.
	NoneAuth bool

	// UserPassAuth offers Plain and the TLS/X509 Plain tiers, delegating
	// to Handler.Authorize.
	UserPassAuth bool

	// VNCAuth provides the VNC password table; nil or a disabled manager
	// removes VNCAuth and its TLS tiers from the offer.
	VNCAuth *VNCAuthManager

	// TLSConfig enables the TLS and X509 VeNCrypt tiers. Go's TLS stack
	// always presents the configured certificate, so both tiers share it.
	TLSConfig *tls.Config

	// TLSTimeout bounds the in-place TLS handshake.
	TLSTimeout time.Duration
}

// Params is the framebuffer state: geometry and desktop name.
type Params struct {
	Width  uint16
	Height uint16
	Name   string
}

// SharedParams holds the framebuffer state shared across all client
// sessions. A resize negotiated on one session is visible to every other
// session and to clients connecting afterwards.
type SharedParams struct {
	mu     sync.Mutex
	params Params
}

// NewSharedParams creates the holder with the initial framebuffer state.
func NewSharedParams(params Params) *SharedParams {
	return &SharedParams{params: params}
}

// Snapshot returns a copy of the current state.
func (p *SharedParams) Snapshot() Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

func (p *SharedParams) update(fn func(*Params)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.params)
}

// Session is one RFB client connection. It drives the version, security and
// init handshakes, then decodes client messages until the connection dies.
// Outgoing framebuffer traffic goes through the Mux attached to the session.
type Session struct {
	id      string
	stream  *stream
	sec     SecurityConfig
	handler Handler
	log     *slog.Logger

	// writeMu serializes wire writes between the serving loop and the mux.
	writeMu sync.Mutex

	// stateMu guards the negotiated capabilities, which the mux goroutine
	// reads.
	stateMu   sync.Mutex
	encodings ClientEncodings

	shared *SharedParams

	mapper      *KeysymMapper
	extKeysSent bool
}

// NewSession wraps an accepted connection. The handshake does not start
// until Run is called.
func NewSession(conn net.Conn, shared *SharedParams, sec SecurityConfig, handler Handler, log *slog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:      id,
		stream:  newStream(conn),
		sec:     sec,
		handler: handler,
		log:     log.With("client", conn.RemoteAddr().String(), "session", id),
		shared:  shared,
		mapper:  NewKeysymMapper(BuildSymmap()),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Remote returns the client's address.
func (s *Session) Remote() string { return s.stream.remote }

// Logger returns the per-session logger.
func (s *Session) Logger() *slog.Logger { return s.log }

// Params returns a snapshot of the shared framebuffer state.
func (s *Session) Params() Params {
	return s.shared.Snapshot()
}

// Encodings returns a snapshot of the client's negotiated capabilities.
func (s *Session) Encodings() ClientEncodings {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.encodings
}

// Close tears the connection down. Any blocked read or write fails.
func (s *Session) Close() {
	s.stream.close()
}

// Run performs the full handshake and then serves client messages until the
// connection closes, the handler fails, or ctx is cancelled. The connection
// is closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.stream.close()
	stop := context.AfterFunc(ctx, s.stream.close)
	defer stop()

	version, err := s.handshakeVersion()
	if err != nil {
		return err
	}
	if err := s.handshakeSecurity(ctx, version); err != nil {
		return err
	}
	if err := s.handshakeInit(); err != nil {
		return err
	}
	s.log.Info("handshake complete", "version", fmt.Sprintf("3.%d", version))
	return s.serve()
}

// handshakeVersion exchanges protocol versions. Version 3.5 was wrongly
// reported by some historic clients and is interpreted as 3.3.
func (s *Session) handshakeVersion() (int, error) {
	const op = "handshakeVersion"

	if err := s.stream.writeBytes(op, []byte("RFB 003.008\n")); err != nil {
		return 0, err
	}
	if err := s.stream.flush(); err != nil {
		return 0, err
	}

	response, err := s.stream.readText(op, 12)
	if err != nil {
		return 0, err
	}
	if !versionResponseRegexp.MatchString(response) {
		return 0, protocolError(op, fmt.Sprintf("invalid version response: %q", response), nil)
	}
	version := int(response[10] - '0')
	if version == 5 {
		version = 3
	}
	return version, nil
}

func (s *Session) handshakeSecurity(ctx context.Context, version int) error {
	const op = "handshakeSecurity"

	if version == 3 {
		// Pre-3.7 clients cannot negotiate VeNCrypt or VNCAuth here.
		if err := s.stream.writeU32(op, 0); err != nil {
			return err
		}
		reason := "the client uses a very old protocol 3.3; required 3.7 at least"
		if err := s.stream.writeReason(op, reason); err != nil {
			return err
		}
		if err := s.stream.flush(); err != nil {
			return err
		}
		return protocolError(op, reason, nil)
	}

	types := []uint8{securityTypeVeNCrypt}
	if s.sec.NoneAuth {
		types = append(types, securityTypeNone)
	} else if _, ok := s.vncCredentials(); ok {
		types = append(types, securityTypeVNCAuth)
	}

	if err := s.stream.writeU8(op, uint8(len(types))); err != nil {
		return err
	}
	if err := s.stream.writeBytes(op, types); err != nil {
		return err
	}
	if err := s.stream.flush(); err != nil {
		return err
	}

	selected, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	for _, t := range types {
		if selected != t {
			continue
		}
		switch selected {
		case securityTypeVeNCrypt:
			return s.handshakeVeNCrypt(ctx, version)
		case securityTypeNone:
			if version >= 8 {
				return s.writeSecurityResult(true, version, "")
			}
			return nil
		case securityTypeVNCAuth:
			return s.handshakeVNCAuth(version)
		}
	}
	return protocolError(op, fmt.Sprintf("client selected unknown security type: %d", selected), nil)
}

// vencryptSubtypes lists the auth subtypes the session may offer, in
// priority order.
func (s *Session) vencryptSubtypes() []uint32 {
	tlsReady := s.sec.TLSConfig != nil
	var subtypes []uint32
	if s.sec.UserPassAuth {
		if tlsReady {
			subtypes = append(subtypes, vencryptX509Plain, vencryptTLSPlain)
		}
		subtypes = append(subtypes, vencryptPlain)
	}
	if _, ok := s.vncCredentials(); ok && tlsReady {
		subtypes = append(subtypes, vencryptX509VNCAuth, vencryptTLSVNCAuth)
	}
	if s.sec.NoneAuth {
		if tlsReady {
			subtypes = append(subtypes, vencryptX509None, vencryptTLSNone)
		}
		subtypes = append(subtypes, vencryptNone)
	}
	return subtypes
}

func (s *Session) handshakeVeNCrypt(ctx context.Context, version int) error {
	const op = "handshakeVeNCrypt"

	// Sub-version negotiation. Only 0.2 is spoken.
	if err := s.stream.writeBytes(op, []byte{0, 2}); err != nil {
		return err
	}
	if err := s.stream.flush(); err != nil {
		return err
	}
	major, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	minor, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	if major != 0 || minor != 2 {
		_ = s.stream.writeU8(op, 1)
		_ = s.stream.flush()
		return protocolError(op, fmt.Sprintf("unsupported VeNCrypt version: %d.%d", major, minor), nil)
	}
	if err := s.stream.writeU8(op, 0); err != nil {
		return err
	}

	subtypes := s.vencryptSubtypes()
	if err := s.stream.writeU8(op, uint8(len(subtypes))); err != nil {
		return err
	}
	for _, subtype := range subtypes {
		if err := s.stream.writeU32(op, subtype); err != nil {
			return err
		}
	}
	if err := s.stream.flush(); err != nil {
		return err
	}

	selected, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	offered := false
	for _, subtype := range subtypes {
		if subtype == selected {
			offered = true
			break
		}
	}
	if !offered {
		return protocolError(op, fmt.Sprintf("client selected unoffered auth subtype: %d", selected), nil)
	}

	switch selected {
	case vencryptTLSNone, vencryptTLSVNCAuth, vencryptTLSPlain,
		vencryptX509None, vencryptX509VNCAuth, vencryptX509Plain:
		// Ack the subtype, then splice TLS into the live socket.
		if err := s.stream.writeU8(op, 1); err != nil {
			return err
		}
		if err := s.stream.flush(); err != nil {
			return err
		}
		if err := s.stream.upgradeTLS(s.sec.TLSConfig, s.sec.TLSTimeout); err != nil {
			return err
		}
		s.log.Debug("TLS upgrade complete")
	}

	switch selected {
	case vencryptNone, vencryptTLSNone, vencryptX509None:
		if version >= 8 {
			return s.writeSecurityResult(true, version, "")
		}
		return nil
	case vencryptPlain, vencryptTLSPlain, vencryptX509Plain:
		return s.handshakePlain(ctx, version)
	default:
		return s.handshakeVNCAuth(version)
	}
}

func (s *Session) handshakePlain(ctx context.Context, version int) error {
	const op = "handshakePlain"

	userLen, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	passwdLen, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	user, err := s.stream.readText(op, int(userLen))
	if err != nil {
		return err
	}
	passwd, err := s.stream.readText(op, int(passwdLen))
	if err != nil {
		return err
	}

	granted, err := s.handler.Authorize(ctx, user, passwd)
	if err != nil {
		return authenticationError(op, "authorization backend failed", err)
	}
	if !granted {
		if err := s.writeSecurityResult(false, version, "invalid username or password"); err != nil {
			return err
		}
		return authenticationError(op, fmt.Sprintf("access denied for user %q", user), nil)
	}
	s.log.Info("access granted", "user", user)
	return s.writeSecurityResult(true, version, "")
}

func (s *Session) handshakeVNCAuth(version int) error {
	const op = "handshakeVNCAuth"

	credentials, ok := s.vncCredentials()
	if !ok {
		return authenticationError(op, "VNCAuth is not available", nil)
	}

	challenge, err := makeChallenge()
	if err != nil {
		return err
	}
	if err := s.stream.writeBytes(op, challenge); err != nil {
		return err
	}
	if err := s.stream.flush(); err != nil {
		return err
	}
	response, err := s.stream.readBytes(op, vncChallengeSize)
	if err != nil {
		return err
	}

	// First matching password wins; several KVMD credential mappings may
	// share one VNC password file.
	for passwd, creds := range credentials {
		if challengeMatches(challenge, response, passwd) {
			s.log.Info("access granted", "user", creds.User)
			return s.writeSecurityResult(true, version, "")
		}
	}
	if err := s.writeSecurityResult(false, version, "invalid VNC password"); err != nil {
		return err
	}
	return authenticationError(op, "no configured password matched the challenge response", nil)
}

// writeSecurityResult sends the u32 SecurityResult. Protocol 3.8 added a
// textual reason after a failure result.
func (s *Session) writeSecurityResult(granted bool, version int, reason string) error {
	const op = "writeSecurityResult"

	if granted {
		if err := s.stream.writeU32(op, 0); err != nil {
			return err
		}
		return s.stream.flush()
	}
	if err := s.stream.writeU32(op, 1); err != nil {
		return err
	}
	if version >= 8 {
		if err := s.stream.writeReason(op, reason); err != nil {
			return err
		}
	}
	return s.stream.flush()
}

func (s *Session) handshakeInit() error {
	const op = "handshakeInit"

	// Shared flag, ignored. Every client gets the same framebuffer.
	if _, err := s.stream.readU8(op); err != nil {
		return err
	}

	params := s.Params()
	if err := s.stream.writeU16(op, params.Width); err != nil {
		return err
	}
	if err := s.stream.writeU16(op, params.Height); err != nil {
		return err
	}
	// Fixed pixel format: 32bpp, depth 24, little-endian, true color,
	// 8 bits per component, shifts 16/8/0, 3 pad bytes.
	format := []byte{
		32, 24, 0, 1,
		0, 255, 0, 255, 0, 255,
		16, 8, 0,
		0, 0, 0,
	}
	if err := s.stream.writeBytes(op, format); err != nil {
		return err
	}
	if err := s.stream.writeReason(op, params.Name); err != nil {
		return err
	}
	return s.stream.flush()
}

func (s *Session) serve() error {
	const op = "serve"

	for {
		msgType, err := s.stream.readU8(op)
		if err != nil {
			return err
		}
		switch msgType {
		case msgSetPixelFormat:
			err = s.handleSetPixelFormat()
		case msgSetEncodings:
			err = s.handleSetEncodings()
		case msgFBUpdateRequest:
			err = s.handleFBUpdateRequest()
		case msgKeyEvent:
			err = s.handleKeyEvent()
		case msgPointerEvent:
			err = s.handlePointerEvent()
		case msgClientCutText:
			err = s.handleClientCutText()
		case msgQEMUClientMessage:
			err = s.handleQEMUEvent()
		default:
			return protocolError(op, fmt.Sprintf("unknown message type: %d", msgType), nil)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleSetPixelFormat() error {
	const op = "handleSetPixelFormat"

	if err := s.stream.skip(op, 3); err != nil {
		return err
	}
	format, err := s.stream.readBytes(op, 16)
	if err != nil {
		return err
	}
	// Tight JPEG may only be used when bits-per-pixel is 16 or 32.
	if bpp := format[0]; bpp != 16 && bpp != 32 {
		return unsupportedError(op, fmt.Sprintf("requested unsupported bits-per-pixel %d for Tight JPEG; required 16 or 32", bpp), nil)
	}
	return nil
}

func (s *Session) handleSetEncodings() error {
	const op = "handleSetEncodings"

	if err := s.stream.skip(op, 1); err != nil {
		return err
	}
	count, err := s.stream.readU16(op)
	if err != nil {
		return err
	}
	if count > maxClientEncodingCount {
		return protocolError(op, fmt.Sprintf("too many encodings: %d", count), nil)
	}
	encodings := make([]int32, count)
	for i := range encodings {
		if encodings[i], err = s.stream.readS32(op); err != nil {
			return err
		}
	}

	ce := NewClientEncodings(encodings)
	s.stateMu.Lock()
	s.encodings = ce
	s.stateMu.Unlock()
	s.log.Info("client features",
		"resize", ce.HasResize,
		"rename", ce.HasRename,
		"leds", ce.HasLEDState,
		"ext_keys", ce.HasExtKeys,
		"h264", ce.HasH264,
		"quality", ce.TightJPEGQuality)

	if err := s.checkTightJPEG(ce); err != nil {
		return err
	}
	if ce.HasExtKeys && !s.extKeysSent {
		// Pseudo-rect ack telling the client to switch to QEMU
		// extended key events.
		s.writeMu.Lock()
		err = s.stream.writeRectHeader(op, 0, 0, EncodingExtKeys)
		if err == nil {
			err = s.stream.flush()
		}
		s.writeMu.Unlock()
		if err != nil {
			return err
		}
		s.extKeysSent = true
	}
	return s.handler.OnSetEncodings(ce)
}

func (s *Session) handleFBUpdateRequest() error {
	const op = "handleFBUpdateRequest"

	// The client may request an update before sending SetEncodings.
	if err := s.checkTightJPEG(s.Encodings()); err != nil {
		return err
	}
	// Incremental flag and region are ignored; updates are always full.
	if err := s.stream.skip(op, 9); err != nil {
		return err
	}
	return s.handler.OnFBUpdateRequest()
}

func (s *Session) handleKeyEvent() error {
	const op = "handleKeyEvent"

	stateByte, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	if err := s.stream.skip(op, 2); err != nil {
		return err
	}
	keysym, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	if key, ok := s.mapper.Translate(keysym, stateByte != 0); ok {
		return s.handler.OnKeyEvent(key, stateByte != 0)
	}
	return nil
}

func (s *Session) handleQEMUEvent() error {
	const op = "handleQEMUEvent"

	subType, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	if subType != 0 {
		return protocolError(op, fmt.Sprintf("invalid QEMU sub-message type: %d", subType), nil)
	}
	state, err := s.stream.readU16(op)
	if err != nil {
		return err
	}
	if _, err := s.stream.readU32(op); err != nil { // keysym, ignored
		return err
	}
	code, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	if key, ok := WebKeyFromScancode(code); ok {
		return s.handler.OnKeyEvent(key, state != 0)
	}
	return nil
}

func (s *Session) handlePointerEvent() error {
	const op = "handlePointerEvent"

	mask, err := s.stream.readU8(op)
	if err != nil {
		return err
	}
	toX, err := s.stream.readU16(op)
	if err != nil {
		return err
	}
	toY, err := s.stream.readU16(op)
	if err != nil {
		return err
	}

	buttons := PointerButtons{
		Left:   mask&0x1 != 0,
		Right:  mask&0x4 != 0,
		Middle: mask&0x2 != 0,
	}
	var wheel PointerWheel
	switch {
	case mask&0x40 != 0:
		wheel.X = -4
	case mask&0x20 != 0:
		wheel.X = 4
	}
	switch {
	case mask&0x10 != 0:
		wheel.Y = -4
	case mask&0x8 != 0:
		wheel.Y = 4
	}

	params := s.Params()
	move := PointerMove{
		X: remapCoordinate(toX, params.Width),
		Y: remapCoordinate(toY, params.Height),
	}
	return s.handler.OnPointerEvent(buttons, wheel, move)
}

// remapCoordinate rescales an absolute client coordinate into the canonical
// [-32768, 32767] device space.
func remapCoordinate(value uint16, size uint16) int {
	if size == 0 {
		return -32768
	}
	scaled := float64(value) / float64(size) * 65535
	return int(scaled+0.5) - 32768
}

func (s *Session) handleClientCutText() error {
	const op = "handleClientCutText"

	if err := s.stream.skip(op, 3); err != nil {
		return err
	}
	length, err := s.stream.readU32(op)
	if err != nil {
		return err
	}
	text, err := s.stream.readText(op, int(length))
	if err != nil {
		return err
	}
	return s.handler.OnCutEvent(text)
}

func (s *Session) checkTightJPEG(ce ClientEncodings) error {
	if !ce.SupportsTightJPEG() {
		return unsupportedError("checkTightJPEG", "Tight JPEG encoding is not supported by the client", nil)
	}
	return nil
}

func (s *Session) vncCredentials() (map[string]VNCAuthCredentials, bool) {
	if s.sec.VNCAuth == nil {
		return nil, false
	}
	credentials, ok := s.sec.VNCAuth.ReadCredentials()
	if !ok || len(credentials) == 0 {
		return nil, false
	}
	return credentials, true
}
