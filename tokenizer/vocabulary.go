package tokenizer

import (
	"log/slog"
	"slices"
	"sync"
)

// Vocabulary is a byte-level BPE vocabulary. Values are indexed by token id;
// Merges are "left right" pairs in priority order.
type Vocabulary struct {
	Values  []string
	Merges  []string
	Special []string

	BOS    int32
	AddBOS bool

	valuesOnce sync.Once
	values     map[string]int32

	mergeOnce sync.Once
	merge     map[string]int32
}

// Encode returns the id of s, or -1.
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.values[value] = int32(i)
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of merging left and right, or -1 if they do not merge.
func (v *Vocabulary) Merge(left, right string) int {
	v.mergeOnce.Do(func() {
		v.merge = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.merge[merge] = int32(i)
		}
	})

	if id, ok := v.merge[left+" "+right]; ok {
		return int(id)
	}

	return -1
}

func (v *Vocabulary) addBOS(ids []int32) []int32 {
	if !v.AddBOS || v.BOS < 0 {
		return ids
	}

	if len(ids) > 0 && ids[0] == v.BOS {
		slog.Warn("text already starts with bos token", "id", v.BOS)
	}

	return slices.Insert(ids, 0, v.BOS)
}
