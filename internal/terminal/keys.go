package terminal

import (
	"fmt"
	"strings"

	"github.com/mbucko/remote-agent-shell/internal/proto"
)

// Modifier bits carried by key input.
const (
	ModShift = 1
	ModAlt   = 2
	ModCtrl  = 4
)

// csiKeys are keys encoded as CSI <final>, switching to CSI 1;<mods><final>
// when modified.
var csiKeys = map[string]byte{
	"up":    'A',
	"down":  'B',
	"right": 'C',
	"left":  'D',
	"home":  'H',
	"end":   'F',
}

// tildeKeys are keys encoded as CSI <num>~, switching to CSI <num>;<mods>~
// when modified.
var tildeKeys = map[string]int{
	"insert":   2,
	"delete":   3,
	"pageup":   5,
	"pagedown": 6,
	"f5":       15,
	"f6":       17,
	"f7":       18,
	"f8":       19,
	"f9":       20,
	"f10":      21,
	"f11":      23,
	"f12":      24,
}

// ss3Keys use SS3 encoding unmodified and fall back to CSI 1;<mods> when
// modified, matching xterm.
var ss3Keys = map[string]byte{
	"f1": 'P',
	"f2": 'Q',
	"f3": 'R',
	"f4": 'S',
}

// plainKeys map directly to bytes.
var plainKeys = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"backspace": "\x7f",
	"escape":    "\x1b",
	"space":     " ",
}

// EncodeKey turns one key input into the byte sequence a terminal would
// produce.
func EncodeKey(k proto.KeyInput) ([]byte, error) {
	if k.Type == "text" {
		if k.Modifiers&ModAlt != 0 {
			return append([]byte{0x1b}, []byte(k.Text)...), nil
		}
		return []byte(k.Text), nil
	}

	name := strings.ToLower(k.Type)
	mods := k.Modifiers

	// Shift+Tab is its own sequence, not a modified tab.
	if name == "tab" && mods&ModShift != 0 {
		return []byte("\x1b[Z"), nil
	}

	// Ctrl+letter maps into C0 control bytes (Ctrl+C = 0x03 and so on).
	if mods&ModCtrl != 0 && len(name) == 1 && name[0] >= 'a' && name[0] <= 'z' {
		b := []byte{name[0] & 0x1f}
		if mods&ModAlt != 0 {
			b = append([]byte{0x1b}, b...)
		}
		return b, nil
	}

	if final, ok := csiKeys[name]; ok {
		if mods == 0 {
			return []byte{0x1b, '[', final}, nil
		}
		return []byte(fmt.Sprintf("\x1b[1;%d%c", 1+mods, final)), nil
	}
	if num, ok := tildeKeys[name]; ok {
		if mods == 0 {
			return []byte(fmt.Sprintf("\x1b[%d~", num)), nil
		}
		return []byte(fmt.Sprintf("\x1b[%d;%d~", num, 1+mods)), nil
	}
	if final, ok := ss3Keys[name]; ok {
		if mods == 0 {
			return []byte{0x1b, 'O', final}, nil
		}
		return []byte(fmt.Sprintf("\x1b[1;%d%c", 1+mods, final)), nil
	}
	if seq, ok := plainKeys[name]; ok {
		out := []byte(seq)
		if mods&ModAlt != 0 {
			out = append([]byte{0x1b}, out...)
		}
		return out, nil
	}
	if len(name) == 1 && name[0] >= 0x20 && name[0] < 0x7f {
		out := []byte(name)
		if mods&ModAlt != 0 {
			out = append([]byte{0x1b}, out...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown key %q", k.Type)
}

// EncodeKeys encodes a batch in order, concatenated.
func EncodeKeys(keys []proto.KeyInput) ([]byte, error) {
	var out []byte
	for _, k := range keys {
		b, err := EncodeKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
