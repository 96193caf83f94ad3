package hotkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	hk := Hotkey{KeyCode: 38, Modifiers: ModControl | ModAlt}

	tests := []struct {
		name  string
		code  uint16
		mods  Modifiers
		match bool
	}{
		{"exact match", 38, ModControl | ModAlt, true},
		{"wrong key", 30, ModControl | ModAlt, false},
		{"missing modifier", 38, ModControl, false},
		{"extra relevant modifier", 38, ModControl | ModAlt | ModShift, false},
		{"caps lock ignored", 38, ModControl | ModAlt | ModCapsLock, true},
		{"num lock ignored", 38, ModControl | ModAlt | ModNumLock, true},
		{"both volatile ignored", 38, ModControl | ModAlt | ModCapsLock | ModNumLock, true},
		{"no modifiers", 38, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, hk.Matches(tt.code, tt.mods))
		})
	}
}

// Matching must be invariant under toggling any volatile modifier bit.
func TestMatchesVolatileInvariance(t *testing.T) {
	hk := Hotkey{KeyCode: 37, Modifiers: ModSuper | ModAlt}

	for _, volatile := range []Modifiers{ModCapsLock, ModNumLock} {
		for _, mods := range []Modifiers{0, ModSuper, ModSuper | ModAlt, Relevant} {
			assert.Equal(t,
				hk.Matches(37, mods),
				hk.Matches(37, mods|volatile),
				"toggling %#x changed the result for mods %#x", volatile, mods)
		}
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Hotkey{KeyCode: 38, Modifiers: ModControl}.Validate())
	assert.NoError(t, Hotkey{KeyCode: 0, Modifiers: ModSuper | ModAlt}.Validate())

	err := Hotkey{KeyCode: 38}.Validate()
	assert.ErrorIs(t, err, ErrNoModifiers)

	// A mask with only volatile bits is as ambiguous as no mask at all.
	err = Hotkey{KeyCode: 38, Modifiers: ModCapsLock | ModNumLock}.Validate()
	assert.ErrorIs(t, err, ErrNoModifiers)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Hotkey
		wantErr bool
	}{
		{"ctrl+alt+l", Hotkey{KeyCode: 38, Modifiers: ModControl | ModAlt}, false},
		{"Ctrl + Alt + L", Hotkey{KeyCode: 38, Modifiers: ModControl | ModAlt}, false},
		{"cmd+option+k", Hotkey{KeyCode: 37, Modifiers: ModSuper | ModAlt}, false},
		{"super+shift", Hotkey{KeyCode: 0, Modifiers: ModSuper | ModShift}, false},
		{"ctrl+key:99", Hotkey{KeyCode: 99, Modifiers: ModControl}, false},
		{"l", Hotkey{}, true},             // no modifier
		{"ctrl+l+k", Hotkey{}, true},      // two keys
		{"ctrl+banana", Hotkey{}, true},   // unknown key
		{"ctrl++l", Hotkey{}, true},       // empty component
		{"ctrl+key:xyz", Hotkey{}, true},  // bad raw code
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"ctrl+alt+l", "ctrl+alt+shift+super+k", "super+shift", "ctrl+key:200"} {
		hk, err := Parse(s)
		require.NoError(t, err)

		back, err := Parse(hk.String())
		require.NoError(t, err, "String() produced unparseable %q", hk.String())
		assert.Equal(t, hk, back)
	}
}
