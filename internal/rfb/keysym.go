// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

// Modifier bits tracked while translating X11 keysyms. A symmap entry keyed
// by a non-zero modifier set means the keysym is only reachable while those
// modifiers are held on a US-style layout.
const (
	modShift uint8 = 0x1
	modAltGr uint8 = 0x2
	modCtrl  uint8 = 0x4
)

// Dedicated modifier keysyms. Pressing and releasing these drives the
// modifier state machine in addition to being forwarded as regular keys.
const (
	keysymShiftLeft      uint32 = 0xFFE1
	keysymShiftRight     uint32 = 0xFFE2
	keysymControlLeft    uint32 = 0xFFE3
	keysymControlRight   uint32 = 0xFFE4
	keysymAltRight       uint32 = 0xFFEA
	keysymISOLevel3Shift uint32 = 0xFE03
)

type at1Key struct {
	code  uint16
	shift bool
	altgr bool
	ctrl  bool
}

// x11ToAT1 is the builtin US-layout mapping from X11 keysyms to AT set 1
// scancodes, following the QEMU default keymap. Codes >= 0xE000 carry the
// extended-byte prefix.
var x11ToAT1 = map[uint32]at1Key{
	65307: {code: 1},               // XK_Escape
	33:    {code: 2, shift: true},  // XK_exclam
	49:    {code: 2},               // XK_1
	50:    {code: 3},               // XK_2
	64:    {code: 3, shift: true},  // XK_at
	35:    {code: 4, shift: true},  // XK_numbersign
	51:    {code: 4},               // XK_3
	36:    {code: 5, shift: true},  // XK_dollar
	52:    {code: 5},               // XK_4
	37:    {code: 6, shift: true},  // XK_percent
	53:    {code: 6},               // XK_5
	54:    {code: 7},               // XK_6
	94:    {code: 7, shift: true},  // XK_asciicircum
	38:    {code: 8, shift: true},  // XK_ampersand
	55:    {code: 8},               // XK_7
	42:    {code: 9, shift: true},  // XK_asterisk
	56:    {code: 9},               // XK_8
	40:    {code: 10, shift: true}, // XK_parenleft
	57:    {code: 10},              // XK_9
	41:    {code: 11, shift: true}, // XK_parenright
	48:    {code: 11},              // XK_0
	45:    {code: 12},              // XK_minus
	95:    {code: 12, shift: true}, // XK_underscore
	43:    {code: 13, shift: true}, // XK_plus
	61:    {code: 13},              // XK_equal
	65288: {code: 14},              // XK_BackSpace
	65289: {code: 15},              // XK_Tab
	81:    {code: 16, shift: true}, // XK_Q
	113:   {code: 16},              // XK_q
	87:    {code: 17, shift: true}, // XK_W
	119:   {code: 17},              // XK_w
	69:    {code: 18, shift: true}, // XK_E
	101:   {code: 18},              // XK_e
	82:    {code: 19, shift: true}, // XK_R
	114:   {code: 19},              // XK_r
	84:    {code: 20, shift: true}, // XK_T
	116:   {code: 20},              // XK_t
	89:    {code: 21, shift: true}, // XK_Y
	121:   {code: 21},              // XK_y
	85:    {code: 22, shift: true}, // XK_U
	117:   {code: 22},              // XK_u
	73:    {code: 23, shift: true}, // XK_I
	105:   {code: 23},              // XK_i
	79:    {code: 24, shift: true}, // XK_O
	111:   {code: 24},              // XK_o
	80:    {code: 25, shift: true}, // XK_P
	112:   {code: 25},              // XK_p
	91:    {code: 26},              // XK_bracketleft
	123:   {code: 26, shift: true}, // XK_braceleft
	93:    {code: 27},              // XK_bracketright
	125:   {code: 27, shift: true}, // XK_braceright
	65293: {code: 28},              // XK_Return
	65507: {code: 29},              // XK_Control_L
	65:    {code: 30, shift: true}, // XK_A
	97:    {code: 30},              // XK_a
	83:    {code: 31, shift: true}, // XK_S
	115:   {code: 31},              // XK_s
	68:    {code: 32, shift: true}, // XK_D
	100:   {code: 32},              // XK_d
	70:    {code: 33, shift: true}, // XK_F
	102:   {code: 33},              // XK_f
	71:    {code: 34, shift: true}, // XK_G
	103:   {code: 34},              // XK_g
	72:    {code: 35, shift: true}, // XK_H
	104:   {code: 35},              // XK_h
	74:    {code: 36, shift: true}, // XK_J
	106:   {code: 36},              // XK_j
	75:    {code: 37, shift: true}, // XK_K
	107:   {code: 37},              // XK_k
	76:    {code: 38, shift: true}, // XK_L
	108:   {code: 38},              // XK_l
	58:    {code: 39, shift: true}, // XK_colon
	59:    {code: 39},              // XK_semicolon
	34:    {code: 40, shift: true}, // XK_quotedbl
	39:    {code: 40},              // XK_apostrophe
	96:    {code: 41},              // XK_grave
	126:   {code: 41, shift: true}, // XK_asciitilde
	65505: {code: 42},              // XK_Shift_L
	92:    {code: 43},              // XK_backslash
	124:   {code: 43, shift: true}, // XK_bar
	90:    {code: 44, shift: true}, // XK_Z
	122:   {code: 44},              // XK_z
	88:    {code: 45, shift: true}, // XK_X
	120:   {code: 45},              // XK_x
	67:    {code: 46, shift: true}, // XK_C
	99:    {code: 46},              // XK_c
	86:    {code: 47, shift: true}, // XK_V
	118:   {code: 47},              // XK_v
	66:    {code: 48, shift: true}, // XK_B
	98:    {code: 48},              // XK_b
	78:    {code: 49, shift: true}, // XK_N
	110:   {code: 49},              // XK_n
	77:    {code: 50, shift: true}, // XK_M
	109:   {code: 50},              // XK_m
	44:    {code: 51},              // XK_comma
	60:    {code: 51, shift: true}, // XK_less
	46:    {code: 52},              // XK_period
	62:    {code: 52, shift: true}, // XK_greater
	47:    {code: 53},              // XK_slash
	63:    {code: 53, shift: true}, // XK_question
	65506: {code: 54},              // XK_Shift_R
	65513: {code: 56},              // XK_Alt_L
	32:    {code: 57},              // XK_space
	65509: {code: 58},              // XK_Caps_Lock
	65470: {code: 59},              // XK_F1
	65471: {code: 60},              // XK_F2
	65472: {code: 61},              // XK_F3
	65473: {code: 62},              // XK_F4
	65474: {code: 63},              // XK_F5
	65475: {code: 64},              // XK_F6
	65476: {code: 65},              // XK_F7
	65477: {code: 66},              // XK_F8
	65478: {code: 67},              // XK_F9
	65479: {code: 68},              // XK_F10
	65407: {code: 69},              // XK_Num_Lock
	65300: {code: 70},              // XK_Scroll_Lock
	65301: {code: 84},              // XK_Sys_Req
	65480: {code: 87},              // XK_F11
	65481: {code: 88},              // XK_F12
	65508: {code: 57373},           // XK_Control_R
	65514: {code: 57400},           // XK_Alt_R
	65299: {code: 57414},           // XK_Pause
	65360: {code: 57415},           // XK_Home
	65362: {code: 57416},           // XK_Up
	65365: {code: 57417},           // XK_Page_Up
	65361: {code: 57419},           // XK_Left
	65363: {code: 57421},           // XK_Right
	65367: {code: 57423},           // XK_End
	65364: {code: 57424},           // XK_Down
	65366: {code: 57425},           // XK_Page_Down
	65379: {code: 57426},           // XK_Insert
	65535: {code: 57427},           // XK_Delete
	65511: {code: 57435},           // XK_Meta_L
	65512: {code: 57436},           // XK_Meta_R
	65383: {code: 57437},           // XK_Menu
}

// at1ToWeb maps AT set 1 scancodes to canonical web key names.
var at1ToWeb = map[uint16]string{
	1:     "Escape",
	2:     "Digit1",
	3:     "Digit2",
	4:     "Digit3",
	5:     "Digit4",
	6:     "Digit5",
	7:     "Digit6",
	8:     "Digit7",
	9:     "Digit8",
	10:    "Digit9",
	11:    "Digit0",
	12:    "Minus",
	13:    "Equal",
	14:    "Backspace",
	15:    "Tab",
	16:    "KeyQ",
	17:    "KeyW",
	18:    "KeyE",
	19:    "KeyR",
	20:    "KeyT",
	21:    "KeyY",
	22:    "KeyU",
	23:    "KeyI",
	24:    "KeyO",
	25:    "KeyP",
	26:    "BracketLeft",
	27:    "BracketRight",
	28:    "Enter",
	29:    "ControlLeft",
	30:    "KeyA",
	31:    "KeyS",
	32:    "KeyD",
	33:    "KeyF",
	34:    "KeyG",
	35:    "KeyH",
	36:    "KeyJ",
	37:    "KeyK",
	38:    "KeyL",
	39:    "Semicolon",
	40:    "Quote",
	41:    "Backquote",
	42:    "ShiftLeft",
	43:    "Backslash",
	44:    "KeyZ",
	45:    "KeyX",
	46:    "KeyC",
	47:    "KeyV",
	48:    "KeyB",
	49:    "KeyN",
	50:    "KeyM",
	51:    "Comma",
	52:    "Period",
	53:    "Slash",
	54:    "ShiftRight",
	56:    "AltLeft",
	57:    "Space",
	58:    "CapsLock",
	59:    "F1",
	60:    "F2",
	61:    "F3",
	62:    "F4",
	63:    "F5",
	64:    "F6",
	65:    "F7",
	66:    "F8",
	67:    "F9",
	68:    "F10",
	69:    "NumLock",
	70:    "ScrollLock",
	84:    "PrintScreen",
	87:    "F11",
	88:    "F12",
	57373: "ControlRight",
	57400: "AltRight",
	57414: "Pause",
	57415: "Home",
	57416: "ArrowUp",
	57417: "PageUp",
	57419: "ArrowLeft",
	57421: "ArrowRight",
	57423: "End",
	57424: "ArrowDown",
	57425: "PageDown",
	57426: "Insert",
	57427: "Delete",
	57435: "MetaLeft",
	57436: "MetaRight",
	57437: "ContextMenu",
}

// Symmap maps an X11 keysym to the web key names that produce it, keyed by
// the modifier set required on a US layout. The zero-modifier entry is the
// fallback variant.
type Symmap map[uint32]map[uint8]string

// BuildSymmap assembles the keysym translation table from the builtin
// US-layout mapping.
func BuildSymmap() Symmap {
	symmap := make(Symmap, len(x11ToAT1))
	for keysym, key := range x11ToAT1 {
		webName, ok := at1ToWeb[key.code]
		if !ok {
			continue
		}
		var modifiers uint8
		if key.shift {
			modifiers |= modShift
		}
		if key.altgr {
			modifiers |= modAltGr
		}
		if key.ctrl {
			modifiers |= modCtrl
		}
		variants, ok := symmap[keysym]
		if !ok {
			variants = make(map[uint8]string, 1)
			symmap[keysym] = variants
		}
		if _, exists := variants[modifiers]; !exists {
			variants[modifiers] = webName
		}
	}
	return symmap
}

// KeysymMapper translates X11 keysyms into web key names while tracking the
// client's live modifier state. It is not safe for concurrent use; each
// session owns one.
type KeysymMapper struct {
	symmap    Symmap
	modifiers uint8
	pressed   map[uint32]string
}

// NewKeysymMapper creates a mapper over the given symmap.
func NewKeysymMapper(symmap Symmap) *KeysymMapper {
	return &KeysymMapper{
		symmap:  symmap,
		pressed: make(map[uint32]string),
	}
}

// Translate resolves a keysym press/release to a web key name. Modifier
// keysyms flip the tracked modifier state. A release always resolves to the
// same web key that the matching press produced, even if the modifier state
// changed in between. Unknown keysyms return ok=false.
func (m *KeysymMapper) Translate(keysym uint32, state bool) (string, bool) {
	switch keysym {
	case keysymShiftLeft, keysymShiftRight:
		m.setModifier(modShift, state)
	case keysymControlLeft, keysymControlRight:
		m.setModifier(modCtrl, state)
	case keysymAltRight, keysymISOLevel3Shift:
		m.setModifier(modAltGr, state)
	}

	if !state {
		if webName, ok := m.pressed[keysym]; ok {
			delete(m.pressed, keysym)
			return webName, true
		}
	}

	variants, ok := m.symmap[keysym]
	if !ok {
		return "", false
	}
	webName, ok := variants[m.modifiers]
	if !ok {
		webName, ok = variants[0]
	}
	if !ok {
		// Keysym reachable only with modifiers (e.g. an uppercase
		// letter): take the lowest-modifier variant.
		for mods := uint8(1); mods <= (modShift | modAltGr | modCtrl); mods++ {
			if name, exists := variants[mods]; exists {
				webName, ok = name, true
				break
			}
		}
		if !ok {
			return "", false
		}
	}
	if state {
		m.pressed[keysym] = webName
	}
	return webName, true
}

func (m *KeysymMapper) setModifier(bit uint8, state bool) {
	if state {
		m.modifiers |= bit
	} else {
		m.modifiers &^= bit
	}
}

// WebKeyFromScancode translates a QEMU ExtendedKeyEvent scancode into a web
// key name. The legacy PrintScreen code 0xB7 is folded to 0x54, and codes
// with the 0x80 bit are treated as carrying the 0xE0 extended prefix.
func WebKeyFromScancode(code uint32) (string, bool) {
	if code == 0xB7 {
		code = 0x54
	}
	if code&0x80 != 0 {
		code = 0xE000 | (code & 0x7F)
	}
	if code > 0xFFFF {
		return "", false
	}
	webName, ok := at1ToWeb[uint16(code)]
	return webName, ok
}
