// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package hid

// keymap translates web key names (the KeyboardEvent.code vocabulary used by
// the web UI and the VNC keysym translator) into the firmware's one-byte key
// codes. The codes are part of the MCU wire contract and never change.
var keymap = map[string]byte{
	"KeyA": 1, "KeyB": 2, "KeyC": 3, "KeyD": 4, "KeyE": 5,
	"KeyF": 6, "KeyG": 7, "KeyH": 8, "KeyI": 9, "KeyJ": 10,
	"KeyK": 11, "KeyL": 12, "KeyM": 13, "KeyN": 14, "KeyO": 15,
	"KeyP": 16, "KeyQ": 17, "KeyR": 18, "KeyS": 19, "KeyT": 20,
	"KeyU": 21, "KeyV": 22, "KeyW": 23, "KeyX": 24, "KeyY": 25,
	"KeyZ": 26,

	"Digit1": 27, "Digit2": 28, "Digit3": 29, "Digit4": 30, "Digit5": 31,
	"Digit6": 32, "Digit7": 33, "Digit8": 34, "Digit9": 35, "Digit0": 36,

	"Enter": 37, "Escape": 38, "Backspace": 39, "Tab": 40, "Space": 41,
	"Minus": 42, "Equal": 43, "BracketLeft": 44, "BracketRight": 45,
	"Backslash": 46, "Semicolon": 47, "Quote": 48, "Backquote": 49,
	"Comma": 50, "Period": 51, "Slash": 52, "CapsLock": 53,

	"F1": 54, "F2": 55, "F3": 56, "F4": 57, "F5": 58, "F6": 59,
	"F7": 60, "F8": 61, "F9": 62, "F10": 63, "F11": 64, "F12": 65,

	"PrintScreen": 66, "Insert": 67, "Home": 68, "PageUp": 69,
	"Delete": 70, "End": 71, "PageDown": 72,
	"ArrowRight": 73, "ArrowLeft": 74, "ArrowDown": 75, "ArrowUp": 76,

	"ControlLeft": 77, "ShiftLeft": 78, "AltLeft": 79, "MetaLeft": 80,
	"ControlRight": 81, "ShiftRight": 82, "AltRight": 83, "MetaRight": 84,

	"Pause": 85, "ScrollLock": 86, "NumLock": 87, "ContextMenu": 88,
}

// KeyCode resolves a web key name to its firmware code. The second return
// is false for names outside the keymap; such events must be rejected
// before framing.
func KeyCode(name string) (byte, bool) {
	code, ok := keymap[name]
	return code, ok
}
