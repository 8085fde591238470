// Package hotkey defines the chord model used to detect multi-key hotkeys
// on the raw input event stream.
package hotkey

import (
	"fmt"
	"strings"

	evdev "github.com/holoplot/go-evdev"
)

// CodeFor returns the numeric key code for a KEY_* name, as consumed by
// Parse.
func CodeFor(name string) (int, bool) {
	code, ok := keyCodes[strings.TrimSpace(name)]
	return code, ok
}

// Chord is an unordered set of key codes. Two chords are equal when their
// key-code sets are equal; firing requires the currently held keys to match
// a chord exactly, not merely contain it.
type Chord map[int]struct{}

// NewChord builds a Chord from a slice of key codes.
func NewChord(codes ...int) Chord {
	c := make(Chord, len(codes))
	for _, code := range codes {
		c[code] = struct{}{}
	}
	return c
}

// Equal reports whether c and other contain exactly the same key codes.
func (c Chord) Equal(other Chord) bool {
	if len(c) != len(other) {
		return false
	}
	for code := range c {
		if _, ok := other[code]; !ok {
			return false
		}
	}
	return true
}

// Empty reports whether the chord has no keys.
func (c Chord) Empty() bool {
	return len(c) == 0
}

// Keys returns the chord's key codes in no particular order.
func (c Chord) Keys() []int {
	keys := make([]int, 0, len(c))
	for code := range c {
		keys = append(keys, code)
	}
	return keys
}

// Parse converts a list of "KEY_XXX" names, as defined by the Linux input
// layer, into a Chord. An unknown key name is an error; callers that want
// to log-and-disable a bad hotkey rather than fail configuration loading
// should log the error themselves and drop the hotkey.
func Parse(names []string) (Chord, error) {
	if len(names) == 0 {
		return nil, nil
	}
	chord := make(Chord, len(names))
	for _, name := range names {
		code, ok := CodeFor(name)
		if !ok {
			return nil, fmt.Errorf("hotkey: unrecognized key name %q", name)
		}
		chord[code] = struct{}{}
	}
	return chord, nil
}

// FromPressed builds a Chord from a set of currently-held key codes, as
// reported by the evdev device's internal key-state table.
func FromPressed(codes []evdev.EvCode) Chord {
	chord := make(Chord, len(codes))
	for _, code := range codes {
		chord[int(code)] = struct{}{}
	}
	return chord
}
