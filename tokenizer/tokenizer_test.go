package tokenizer

import (
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocabulary() *Vocabulary {
	return &Vocabulary{
		Values:  []string{"<s>", "a", "b", "c", "ab", "abc", "Ġ", "Ġa"},
		Merges:  []string{"a b", "ab c", "Ġ a"},
		Special: []string{"<s>"},
		BOS:     0,
	}
}

func TestBytePairEncoding(t *testing.T) {
	bpe, err := NewBytePairEncoding(testVocabulary())
	require.NoError(t, err)

	cases := []struct {
		text string
		want []int32
	}{
		{"abc", []int32{5}},
		{"abc ab", []int32{5, 6, 4}},
		{"cab", []int32{3, 4}},
		{" a", []int32{7}},
		{"<s>abc", []int32{0, 5}},
		{"ab<s>c", []int32{4, 0, 3}},
	}

	for _, tt := range cases {
		t.Run(tt.text, func(t *testing.T) {
			ids := bpe.Encode(tt.text, false)
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("encode mismatch (-want +got):\n%s", diff)
			}

			assert.Equal(t, tt.text, bpe.Decode(ids))
		})
	}
}

func TestAddBOS(t *testing.T) {
	v := testVocabulary()
	v.AddBOS = true

	bpe, err := NewBytePairEncoding(v)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 5}, bpe.Encode("abc", true))
	assert.Equal(t, []int32{5}, bpe.Encode("abc", false))
}

func TestLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"tokenizer.json": {Data: []byte(`{
			"added_tokens": [{"id": 8, "content": "<s>", "special": true}],
			"model": {
				"type": "BPE",
				"vocab": {"a": 0, "b": 1, "c": 2, "ab": 3, "abc": 4, "Ġ": 5, "Ġa": 6, "Ġab": 7},
				"merges": [["a", "b"], ["ab", "c"], ["Ġ", "a"], ["Ġa", "b"]]
			},
			"pre_tokenizer": {"type": "ByteLevel"}
		}`)},
		"tokenizer_config.json": {Data: []byte(`{"add_bos_token": true, "bos_token": {"content": "<s>"}}`)},
	}

	bpe, err := Load(fsys)
	require.NoError(t, err)

	v := bpe.Vocabulary()
	assert.Len(t, v.Values, 9)
	assert.Equal(t, int32(8), v.BOS)
	assert.True(t, v.AddBOS)
	assert.Equal(t, []string{"<s>"}, v.Special)
	assert.Equal(t, "Ġa b", v.Merges[3])

	assert.Equal(t, []int32{8, 4, 7}, bpe.Encode("abc ab", true))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(fstest.MapFS{})
	assert.Error(t, err)

	_, err = Load(fstest.MapFS{"tokenizer.json": {Data: []byte(`{"model": {"type": "Unigram"}}`)}})
	assert.ErrorContains(t, err, "Unigram")

	_, err = Load(fstest.MapFS{"tokenizer.json": {Data: []byte(`{"model": {"type": "BPE", "merges": {"a": 1}}}`)}})
	assert.ErrorContains(t, err, "merges")
}
