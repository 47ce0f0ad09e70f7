package matrixclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSASEmojisBounds(t *testing.T) {
	all := sasEmojis([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.Len(t, all, 7)

	for _, e := range all {
		assert.Equal(t, "Dog", e.Name)
	}

	all = sasEmojis([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.Len(t, all, 7)

	for _, e := range all {
		assert.Equal(t, "Pin", e.Name)
	}
}

func TestSASEmojisKnownVector(t *testing.T) {
	// the first two six-bit groups both decode to index 1
	got := sasEmojis([]byte{0x04, 0x10, 0x00, 0x00, 0x00, 0x00})

	require.Len(t, got, 7)
	assert.Equal(t, "Cat", got[0].Name)
	assert.Equal(t, "Cat", got[1].Name)
	assert.Equal(t, "Dog", got[2].Name)
}

func TestSASEmojisShortInput(t *testing.T) {
	assert.Nil(t, sasEmojis(nil))
	assert.Nil(t, sasEmojis([]byte{0x01, 0x02}))
}
