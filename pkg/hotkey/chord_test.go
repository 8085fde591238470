package hotkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildsChordFromNames(t *testing.T) {
	chord, err := Parse([]string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"})
	require.NoError(t, err)
	ctrlL, _ := CodeFor("KEY_LEFTCTRL")
	ctrlR, _ := CodeFor("KEY_RIGHTCTRL")
	assert.True(t, chord.Equal(NewChord(ctrlL, ctrlR)))
}

func TestParseEmptyIsNil(t *testing.T) {
	chord, err := Parse(nil)
	require.NoError(t, err)
	assert.True(t, chord.Empty())
}

func TestParseUnknownKeyErrors(t *testing.T) {
	_, err := Parse([]string{"KEY_NOT_REAL"})
	assert.Error(t, err)
}

func TestChordEqualIsSetEquality(t *testing.T) {
	a := NewChord(1, 2, 3)
	b := NewChord(3, 2, 1)
	c := NewChord(1, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, c.Equal(a))
}

func TestChordEmpty(t *testing.T) {
	assert.True(t, Chord(nil).Empty())
	assert.True(t, NewChord().Empty())
	assert.False(t, NewChord(1).Empty())
}
