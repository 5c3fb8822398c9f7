// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// stream wraps the client connection with buffered, big-endian primitive
// I/O and supports an in-place TLS takeover of the already-accepted socket
// for the VeNCrypt TLS tiers. It is not safe for concurrent writers; the
// session serializes access with its write lock.
type stream struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	remote string
}

func newStream(conn net.Conn) *stream {
	return &stream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		remote: conn.RemoteAddr().String(),
	}
}

func (s *stream) close() {
	_ = s.conn.Close()
}

// upgradeTLS splices the raw socket into a server-side TLS session with a
// bounded handshake timeout. Any buffered outgoing bytes are flushed first;
// the protocol guarantees no plaintext input is pending at this point.
func (s *stream) upgradeTLS(config *tls.Config, timeout time.Duration) error {
	const op = "upgradeTLS"

	if err := s.flush(); err != nil {
		return err
	}
	if s.reader.Buffered() > 0 {
		return protocolError(op, "unexpected plaintext bytes before TLS handshake", nil)
	}

	tlsConn := tls.Server(s.conn, config)
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return networkError(op, "failed to arm TLS handshake deadline", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		return timeoutError(op, "TLS handshake failed", err)
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return networkError(op, "failed to clear TLS handshake deadline", err)
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	return nil
}

// ----- reads -----

func (s *stream) readBytes(op string, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return nil, networkError(op, "client gone", err)
	}
	return buf, nil
}

func (s *stream) readU8(op string) (uint8, error) {
	b, err := s.reader.ReadByte()
	if err != nil {
		return 0, networkError(op, "client gone", err)
	}
	return b, nil
}

func (s *stream) readU16(op string) (uint16, error) {
	buf, err := s.readBytes(op, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (s *stream) readU32(op string) (uint32, error) {
	buf, err := s.readBytes(op, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (s *stream) readS32(op string) (int32, error) {
	v, err := s.readU32(op)
	return int32(v), err
}

// maxTextSize caps client-supplied length prefixes (cut text, Plain
// credentials) so a hostile length cannot force an unbounded allocation.
const maxTextSize = 16 << 20

func (s *stream) readText(op string, length int) (string, error) {
	if length < 0 || length > maxTextSize {
		return "", validationError(op, fmt.Sprintf("client-supplied text length %d exceeds the %d byte cap", length, maxTextSize), nil)
	}
	buf, err := s.readBytes(op, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (s *stream) skip(op string, n int) error {
	_, err := s.readBytes(op, n)
	return err
}

// ----- writes -----
//
// Writes accumulate in the buffer; callers flush at message boundaries so a
// multi-part message reaches the client as one send.

func (s *stream) writeBytes(op string, data []byte) error {
	if _, err := s.writer.Write(data); err != nil {
		return networkError(op, "client gone", err)
	}
	return nil
}

func (s *stream) writeU8(op string, v uint8) error {
	if err := s.writer.WriteByte(v); err != nil {
		return networkError(op, "client gone", err)
	}
	return nil
}

func (s *stream) writeU16(op string, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return s.writeBytes(op, buf[:])
}

func (s *stream) writeU32(op string, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return s.writeBytes(op, buf[:])
}

func (s *stream) writeS32(op string, v int32) error {
	return s.writeU32(op, uint32(v))
}

// writeReason writes a length-prefixed UTF-8 string (the RFB "reason"
// format, also used for the desktop name).
func (s *stream) writeReason(op, text string) error {
	if err := s.writeU32(op, uint32(len(text))); err != nil {
		return err
	}
	return s.writeBytes(op, []byte(text))
}

// writeRectHeader writes a FramebufferUpdate message carrying exactly one
// rectangle at the origin with the given geometry and encoding.
func (s *stream) writeRectHeader(op string, width, height uint16, encoding int32) error {
	if err := s.writeU8(op, 0); err != nil { // FramebufferUpdate
		return err
	}
	if err := s.writeU8(op, 0); err != nil { // padding
		return err
	}
	if err := s.writeU16(op, 1); err != nil { // one rectangle
		return err
	}
	for _, v := range [4]uint16{0, 0, width, height} {
		if err := s.writeU16(op, v); err != nil {
			return err
		}
	}
	return s.writeS32(op, encoding)
}

func (s *stream) flush() error {
	if err := s.writer.Flush(); err != nil {
		return networkError("flush", "client gone", err)
	}
	return nil
}
