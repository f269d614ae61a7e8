package calib

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTokens(t *testing.T) {
	tokens, err := ReadTokens(strings.NewReader("1 2 3\n4\t5\n\n6"))
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tokens)

	_, err = ReadTokens(strings.NewReader("1 two 3"))
	assert.ErrorContains(t, err, "token 1")
}

type wordEncoder map[string]int32

func (e wordEncoder) Encode(s string, addBOS bool) []int32 {
	var ids []int32
	if addBOS {
		ids = append(ids, 0)
	}
	for _, w := range strings.Fields(s) {
		ids = append(ids, e[w])
	}
	return ids
}

func TestReadText(t *testing.T) {
	enc := wordEncoder{"a": 1, "b": 2}
	tokens, err := ReadText(strings.NewReader("a b\n\nb a a\n"), enc)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 2, 1, 1}, tokens)
}

func TestWindows(t *testing.T) {
	tokens := make([]int32, 100)
	for i := range tokens {
		tokens[i] = int32(i)
	}

	a, err := Windows(tokens, 8, 16, 42)
	require.NoError(t, err)
	b, err := Windows(tokens, 8, 16, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	for _, w := range a {
		require.Len(t, w, 16)
		for i := 1; i < len(w); i++ {
			assert.Equal(t, w[i-1]+1, w[i])
		}
	}

	// windows are copies
	a[0][0] = -1
	assert.NotContains(t, tokens, int32(-1))

	exact, err := Windows(tokens, 2, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, tokens, exact[1])

	_, err = Windows(tokens, 1, 101, 1)
	assert.ErrorIs(t, err, ErrCorpusTooShort)

	_, err = Windows(tokens, 0, 4, 1)
	assert.Error(t, err)
}

func TestChunks(t *testing.T) {
	samples, err := Chunks([]int32{0, 1, 2, 3, 4, 5, 6}, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0, 1, 2}, {3, 4, 5}}, samples)

	_, err = Chunks([]int32{0, 1}, 3)
	assert.ErrorIs(t, err, ErrCorpusTooShort)

	_, err = Chunks([]int32{0, 1}, 0)
	assert.Error(t, err)
}

func TestRandom(t *testing.T) {
	samples := Random(4, 10, 7, 3)
	assert.Len(t, samples, 4)
	for _, s := range samples {
		assert.Len(t, s, 10)
		for _, tok := range s {
			assert.GreaterOrEqual(t, tok, int32(0))
			assert.Less(t, tok, int32(7))
		}
	}

	assert.Equal(t, samples, Random(4, 10, 7, 3))
	assert.NotEqual(t, samples, Random(4, 10, 7, 4))
}
