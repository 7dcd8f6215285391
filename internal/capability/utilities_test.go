package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomStringLength(t *testing.T) {
	s := randomString(12)
	assert.Len(t, s, 12)
}

func TestRandomIntBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		n := randomInt(5, 10)
		assert.GreaterOrEqual(t, n, 5)
		assert.LessOrEqual(t, n, 10)
	}
}

func TestShuffleStringPreservesRunes(t *testing.T) {
	shuffled := shuffleString("abcdef")
	assert.Len(t, shuffled, 6)
	assert.ElementsMatch(t, []rune("abcdef"), []rune(shuffled))
}

func TestSplitArrayChunks(t *testing.T) {
	items := []any{1, 2, 3, 4, 5}
	chunks := splitArray(items, 2)
	assert.Len(t, chunks, 3)
	assert.Equal(t, []any{1, 2}, chunks[0])
	assert.Equal(t, []any{5}, chunks[2])
}

func TestAtobBtoaRoundTrip(t *testing.T) {
	encoded := btoa("hello world")
	decoded, err := atob(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "hello world", decoded)
}

func TestHumanizeDuration(t *testing.T) {
	assert.Equal(t, "0s", humanizeDuration(0))
	assert.Equal(t, "1h 2m 3s", humanizeDuration(3723000))
	assert.Equal(t, "5s", humanizeDuration(5000))
}
