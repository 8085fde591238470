package replicator

import "github.com/akeydo/akeydo/pkg/hotkey"

// chordDetector arms when the held-key set exactly matches its chord on a
// key-down event, and fires once every key has been released afterwards.
// Firing requires an exact match, not a subset: holding the chord plus one
// extra key never arms it, matching the exact-match semantics of the
// hotkey model.
type chordDetector struct {
	name   string
	chord  hotkey.Chord
	armed  bool
	onFire func()
}

func newChordDetector(name string, chord hotkey.Chord, onFire func()) *chordDetector {
	if chord.Empty() {
		return nil
	}
	return &chordDetector{name: name, chord: chord, onFire: onFire}
}

// observe updates the detector's armed state given the held-key set after
// processing one event, and fires onFire when appropriate. keyDown is true
// when the triggering event was a key-down (value 1).
func (d *chordDetector) observe(held hotkey.Chord, keyDown bool) {
	if d == nil {
		return
	}
	if keyDown {
		if held.Equal(d.chord) {
			d.armed = true
		} else if !isSubsetOf(d.chord, held) {
			// A key outside the chord went down: any chance of an exact
			// match for this hold cycle is gone.
			d.armed = false
		}
		return
	}
	if d.armed && held.Empty() {
		d.armed = false
		d.onFire()
	}
}

// isSubsetOf reports whether every key in held also appears in chord.
func isSubsetOf(chord, held hotkey.Chord) bool {
	for k := range held {
		if _, ok := chord[k]; !ok {
			return false
		}
	}
	return true
}
