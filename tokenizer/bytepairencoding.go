package tokenizer

import (
	"cmp"
	"iter"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/ollama/losparse/logutil"
)

// DefaultPretokenizer is the GPT-2 byte-level split pattern.
const DefaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type BytePairEncoding struct {
	vocab   *Vocabulary
	regexps []*regexp2.Regexp
}

func NewBytePairEncoding(vocab *Vocabulary, pretokenizers ...string) (*BytePairEncoding, error) {
	if len(pretokenizers) == 0 {
		pretokenizers = []string{DefaultPretokenizer}
	}

	bpe := BytePairEncoding{vocab: vocab}
	for _, p := range pretokenizers {
		re, err := regexp2.Compile(p, regexp2.RE2)
		if err != nil {
			return nil, err
		}
		bpe.regexps = append(bpe.regexps, re)
	}

	return &bpe, nil
}

func (bpe *BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe *BytePairEncoding) split(s string) iter.Seq[string] {
	parts := []string{s}
	for _, re := range bpe.regexps {
		parts = slices.Collect(func(yield func(string) bool) {
			for _, part := range parts {
				r := []rune(part)
				var offset int
				for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
					if m.Index > offset {
						if !yield(string(r[offset:m.Index])) {
							return
						}
					}

					if !yield(m.String()) {
						return
					}

					offset = m.Index + m.Length
				}

				if offset < len(r) {
					if !yield(string(r[offset:])) {
						return
					}
				}
			}
		})
	}

	return slices.Values(parts)
}

// byteLevel maps raw bytes onto the printable runes byte-level vocabularies use.
func byteLevel(s string) string {
	var sb strings.Builder
	for _, b := range []byte(s) {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}

		sb.WriteRune(r)
	}
	return sb.String()
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type symbol struct {
	p, n  int
	runes []rune
}

// encodeWord applies merges to a single pretokenized word in rank order.
func (bpe *BytePairEncoding) encodeWord(word string) []int32 {
	if id := bpe.vocab.Encode(word); id >= 0 {
		return []int32{id}
	}

	runes := []rune(word)
	symbols := make([]symbol, len(runes))
	for i := range runes {
		symbols[i] = symbol{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(symbols[a].runes), string(symbols[b].runes)
		rank := bpe.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := symbols[pair.a], symbols[pair.b]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != pair.value {
			continue
		}

		if bpe.vocab.Encode(pair.value) < 0 {
			continue
		}

		symbols[pair.a].runes = append(left.runes, right.runes...)
		symbols[pair.b].runes = nil

		symbols[pair.a].n = right.n
		if right.n < len(symbols) {
			symbols[right.n].p = pair.a
		}

		if pair := pairwise(symbols[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, symbols[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, s := range symbols {
		if len(s.runes) > 0 {
			if id := bpe.vocab.Encode(string(s.runes)); id >= 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Encode tokenizes s. Special tokens are matched verbatim before splitting.
func (bpe *BytePairEncoding) Encode(s string, addBOS bool) []int32 {
	type fragment struct {
		value string
		ids   []int32
	}

	fragments := []fragment{{value: s}}
	for _, special := range bpe.vocab.Special {
		id := bpe.vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch i := strings.Index(frag.value, special); {
			case i < 0:
				middle = append(middle, frag)
			case i > 0:
				middle = append(middle, fragment{value: frag.value[:i]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[i+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = append(fragments[:i], append(middle, fragments[i+1:]...)...)
		}
	}

	var ids []int32
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for word := range bpe.split(frag.value) {
			ids = append(ids, bpe.encodeWord(byteLevel(word))...)
		}
	}

	if addBOS {
		ids = bpe.vocab.addBOS(ids)
	}

	logutil.Trace("encoded", "length", len(s), "tokens", len(ids))
	return ids
}

func (bpe *BytePairEncoding) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		for _, r := range bpe.vocab.Decode(id) {
			switch {
			case r == 0x0100:
				// this produces 0x00 aka NULL
				continue
			case r == 0x0143:
				r = 0x00ad
			case r > 0x0100 && r <= 0x0120:
				r = r - 0x0100
			case r > 0x0120 && r <= 0x0142:
				r = r - 0x00a2
			}

			// the rune is a raw byte, not a code point to encode
			sb.WriteByte(byte(r))
		}
	}

	return sb.String()
}
