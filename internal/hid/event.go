// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package hid

import "encoding/binary"

// Event is an input event that maps 1:1 to an 8-byte wire frame.
// Implementations are pure value types; Command never fails because inputs
// are validated or clamped before an Event is constructed.
type Event interface {
	// Command returns the opcode and payload of the wire request.
	Command() [5]byte
}

// MouseButton identifies a physical mouse button supported by the firmware.
type MouseButton string

// Buttons the serial protocol can express.
const (
	MouseLeft  MouseButton = "left"
	MouseRight MouseButton = "right"
)

// KeyEvent is a single key press or release, already resolved to the
// firmware key code via the keymap.
type KeyEvent struct {
	Code    byte
	Pressed bool
}

// Command builds the key frame: code, state, two pad bytes.
func (e KeyEvent) Command() [5]byte {
	cmd := [5]byte{OpKey, e.Code, 0, 0, 0}
	if e.Pressed {
		cmd[2] = 1
	}
	return cmd
}

// MouseMoveEvent is an absolute pointer position in the device coordinate
// space. Coordinates outside int16 range are clamped, never rejected.
type MouseMoveEvent struct {
	ToX int
	ToY int
}

// Command builds the mouse-move frame with both coordinates clamped to
// [-32768, 32767] and packed big-endian.
func (e MouseMoveEvent) Command() [5]byte {
	var cmd [5]byte
	cmd[0] = OpMouseMove
	binary.BigEndian.PutUint16(cmd[1:3], uint16(clampInt16(e.ToX)))
	binary.BigEndian.PutUint16(cmd[3:5], uint16(clampInt16(e.ToY)))
	return cmd
}

// MouseButtonEvent is a press or release of one mouse button.
type MouseButtonEvent struct {
	Button  MouseButton
	Pressed bool
}

// Command builds the button frame. The mask encodes which button the event
// addresses in the high nibble and its target state in the low nibble.
func (e MouseButtonEvent) Command() [5]byte {
	var mask byte
	switch e.Button {
	case MouseLeft:
		mask = 0b10000000
		if e.Pressed {
			mask |= 0b00001000
		}
	case MouseRight:
		mask = 0b01000000
		if e.Pressed {
			mask |= 0b00000100
		}
	}
	return [5]byte{OpMouseButton, mask, 0, 0, 0}
}

// MouseWheelEvent is a vertical wheel step. Deltas are clamped to int8.
type MouseWheelEvent struct {
	DeltaY int
}

// Command builds the wheel frame: pad, delta, two pad bytes.
func (e MouseWheelEvent) Command() [5]byte {
	return [5]byte{OpMouseWheel, 0, byte(clampInt8(e.DeltaY)), 0, 0}
}

func clampInt16(v int) int16 {
	if v < -32768 {
		return -32768
	}
	if v > 32767 {
		return 32767
	}
	return int16(v)
}

func clampInt8(v int) int8 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}
