// Package hotkey defines the release-combination type used by the input
// lock and the matching rule applied inside the event-filter hot path.
//
// Matching deliberately ignores volatile modifier state (caps lock, num
// lock): those bits toggle independently of user intent and would otherwise
// cause spurious mismatches against the configured combination.
package hotkey

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Modifiers is a bitmask of keyboard modifier state.
type Modifiers uint32

// Relevant modifier bits. These carry user intent and participate in
// hotkey matching.
const (
	ModShift Modifiers = 1 << iota
	ModControl
	ModAlt
	ModSuper
)

// Volatile modifier bits. Lock-style modifiers are excluded from matching.
const (
	ModCapsLock Modifiers = 1 << (16 + iota)
	ModNumLock
)

// Relevant is the subset of modifier bits that participate in matching.
const Relevant = ModShift | ModControl | ModAlt | ModSuper

// ErrNoModifiers is returned when a hotkey carries no relevant modifier
// bit. A bare key is ambiguous as a release combination and is rejected.
var ErrNoModifiers = errors.New("hotkey: at least one modifier is required")

// Hotkey is a key code plus a modifier combination. KeyCode 0 means the
// combination is expressed purely through modifiers.
type Hotkey struct {
	KeyCode   uint16    `json:"key_code"`
	Modifiers Modifiers `json:"modifiers"`
}

// Matches reports whether an incoming event's key code and modifier state
// match the hotkey. Both modifier masks are intersected with Relevant
// before comparison.
func (h Hotkey) Matches(eventCode uint16, eventMods Modifiers) bool {
	if eventCode != h.KeyCode {
		return false
	}
	return eventMods&Relevant == h.Modifiers&Relevant
}

// MatchesModifiers reports whether the event's relevant modifier bits equal
// the hotkey's. Used for modifier-only release detection, where no key-down
// event carries the key code.
func (h Hotkey) MatchesModifiers(eventMods Modifiers) bool {
	return eventMods&Relevant == h.Modifiers&Relevant
}

// Validate rejects hotkeys that cannot safely act as a release
// combination.
func (h Hotkey) Validate() error {
	if h.Modifiers&Relevant == 0 {
		return ErrNoModifiers
	}
	return nil
}

var modNames = map[string]Modifiers{
	"shift":   ModShift,
	"ctrl":    ModControl,
	"control": ModControl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"meta":    ModSuper,
	"win":     ModSuper,
}

// keyNames maps friendly key names to key codes. The codes follow the
// Linux input-event-codes numbering so they line up with what the evdev
// tap reports.
var keyNames = map[string]uint16{
	"esc": 1, "1": 2, "2": 3, "3": 4, "4": 5, "5": 6, "6": 7, "7": 8,
	"8": 9, "9": 10, "0": 11, "backspace": 14, "tab": 15,
	"q": 16, "w": 17, "e": 18, "r": 19, "t": 20, "y": 21, "u": 22,
	"i": 23, "o": 24, "p": 25, "enter": 28,
	"a": 30, "s": 31, "d": 32, "f": 33, "g": 34, "h": 35, "j": 36,
	"k": 37, "l": 38, "z": 44, "x": 45, "c": 46, "v": 47, "b": 48,
	"n": 49, "m": 50, "space": 57,
	"f1": 59, "f2": 60, "f3": 61, "f4": 62, "f5": 63, "f6": 64,
	"f7": 65, "f8": 66, "f9": 67, "f10": 68, "f11": 87, "f12": 88,
	"delete": 111,
}

// Parse parses a textual combination such as "ctrl+alt+l". Raw key codes
// may be given as "key:38". A combination with no key part yields a
// modifier-only hotkey (KeyCode 0).
func Parse(s string) (Hotkey, error) {
	var hk Hotkey
	haveKey := false

	for _, part := range strings.Split(s, "+") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			return Hotkey{}, fmt.Errorf("hotkey: empty component in %q", s)
		}
		if mod, ok := modNames[part]; ok {
			hk.Modifiers |= mod
			continue
		}
		if haveKey {
			return Hotkey{}, fmt.Errorf("hotkey: multiple keys in %q", s)
		}
		if raw, ok := strings.CutPrefix(part, "key:"); ok {
			code, err := strconv.ParseUint(raw, 10, 16)
			if err != nil {
				return Hotkey{}, fmt.Errorf("hotkey: bad key code %q: %w", raw, err)
			}
			hk.KeyCode = uint16(code)
			haveKey = true
			continue
		}
		code, ok := keyNames[part]
		if !ok {
			return Hotkey{}, fmt.Errorf("hotkey: unknown key %q", part)
		}
		hk.KeyCode = code
		haveKey = true
	}

	if err := hk.Validate(); err != nil {
		return Hotkey{}, err
	}
	return hk, nil
}

// String renders the hotkey in the same syntax Parse accepts.
func (h Hotkey) String() string {
	var parts []string
	if h.Modifiers&ModControl != 0 {
		parts = append(parts, "ctrl")
	}
	if h.Modifiers&ModAlt != 0 {
		parts = append(parts, "alt")
	}
	if h.Modifiers&ModShift != 0 {
		parts = append(parts, "shift")
	}
	if h.Modifiers&ModSuper != 0 {
		parts = append(parts, "super")
	}
	if h.KeyCode != 0 {
		if name := keyName(h.KeyCode); name != "" {
			parts = append(parts, name)
		} else {
			parts = append(parts, "key:"+strconv.Itoa(int(h.KeyCode)))
		}
	}
	return strings.Join(parts, "+")
}

func keyName(code uint16) string {
	// Stable reverse lookup; the table is small.
	var names []string
	for name, c := range keyNames {
		if c == code {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}
