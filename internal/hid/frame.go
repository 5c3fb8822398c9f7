// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package hid

import (
	"encoding/binary"
	"errors"
)

// Wire framing constants shared with the MCU firmware.
const (
	frameMagic = 0x33

	// RequestSize is the fixed length of an outgoing frame:
	// magic, opcode, 4 payload bytes, big-endian CRC-16.
	RequestSize = 8

	// ResponseSize is the fixed length of an incoming frame:
	// magic, status, big-endian CRC-16 over the first two bytes.
	ResponseSize = 4
)

// Opcodes understood by the firmware.
const (
	OpPing         = 0x01
	OpRepeatAnswer = 0x02
	OpClearAll     = 0x10
	OpKey          = 0x11
	OpMouseMove    = 0x12
	OpMouseButton  = 0x13
	OpMouseWheel   = 0x14
)

// ResponseStatus classifies the status byte of a well-formed response frame.
type ResponseStatus uint8

// Status bytes reported by the firmware.
const (
	StatusOK             ResponseStatus = 0x20
	StatusRebooted       ResponseStatus = 0x24
	StatusCRCError       ResponseStatus = 0x40
	StatusUnknownCommand ResponseStatus = 0x45
	StatusTimeout        ResponseStatus = 0x48
	StatusInvalid        ResponseStatus = 0x00 // any unrecognized byte
)

// String returns the human-readable status name.
func (s ResponseStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRebooted:
		return "rebooted"
	case StatusCRCError:
		return "crc-error"
	case StatusUnknownCommand:
		return "unknown-command"
	case StatusTimeout:
		return "timeout"
	default:
		return "invalid"
	}
}

// Frame parse failures.
var (
	// ErrShortRead reports a response shorter than ResponseSize bytes.
	ErrShortRead = errors.New("hid: short response read")

	// ErrBadCRC reports a response whose CRC does not cover its body.
	ErrBadCRC = errors.New("hid: response CRC mismatch")
)

// WrapRequest frames a 5-byte command (opcode plus 4 payload bytes) into the
// 8-byte wire request: magic prefix and CRC-16 over the first 6 bytes.
func WrapRequest(command [5]byte) [RequestSize]byte {
	var req [RequestSize]byte
	req[0] = frameMagic
	copy(req[1:6], command[:])
	binary.BigEndian.PutUint16(req[6:], crc16(req[:6]))
	return req
}

// ParseResponse validates a raw response frame and extracts its status.
// It fails with ErrShortRead for anything under 4 bytes and ErrBadCRC when
// the trailing CRC does not match the first two bytes. Unknown status bytes
// map to StatusInvalid; callers must treat them as an error condition.
func ParseResponse(raw []byte) (ResponseStatus, error) {
	if len(raw) < ResponseSize {
		return StatusInvalid, ErrShortRead
	}
	if crc16(raw[:2]) != binary.BigEndian.Uint16(raw[2:4]) {
		return StatusInvalid, ErrBadCRC
	}
	switch status := ResponseStatus(raw[1]); status {
	case StatusOK, StatusRebooted, StatusCRCError, StatusUnknownCommand, StatusTimeout:
		return status, nil
	default:
		return StatusInvalid, nil
	}
}
