package losparse

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/losparse/ml"
)

// ErrInvalidBlockConfig is returned for sparsity settings that cannot be
// applied: n > m, non-positive block sizes or rank, or a ratio outside [0, 1].
var ErrInvalidBlockConfig = errors.New("invalid sparsity configuration")

type PruneType int

const (
	Unstructured PruneType = iota
	Semistructured
)

func (p PruneType) String() string {
	switch p {
	case Unstructured:
		return "unstructured"
	case Semistructured:
		return "semistructured"
	default:
		return fmt.Sprintf("PruneType(%d)", int(p))
	}
}

func ParsePruneType(s string) (PruneType, error) {
	switch strings.ToLower(s) {
	case "unstructured":
		return Unstructured, nil
	case "semistructured", "n:m":
		return Semistructured, nil
	default:
		return 0, fmt.Errorf("unknown prune type %q", s)
	}
}

func checkScore(weight, score *ml.Tensor) error {
	if err := ml.SameDevice(weight, score); err != nil {
		return err
	}

	if weight.Rank() != 2 || weight.Len() != score.Len() || weight.Dim(-1) != score.Dim(-1) {
		return fmt.Errorf("prune: score %v does not match weight %v", score.Shape(), weight.Shape())
	}

	return nil
}

// PruneUnstructured zeros, in every row of weight, the floor(ratio * in)
// entries with the lowest score. Ties go to the lower index.
func PruneUnstructured(weight, score *ml.Tensor, ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("%w: sparsity ratio %v", ErrInvalidBlockConfig, ratio)
	}

	if err := checkScore(weight, score); err != nil {
		return err
	}

	cols := weight.Dim(1)
	k := int(float64(cols) * ratio)
	if k == 0 {
		return nil
	}

	scores := make([]float64, cols)
	inds := make([]int, cols)
	for i := range weight.Dim(0) {
		for j, v := range score.Row(i) {
			scores[j] = float64(v)
		}

		floats.ArgsortStable(scores, inds)

		row := weight.Row(i)
		for _, j := range inds[:k] {
			row[j] = 0
		}
	}

	return nil
}

type candidate struct {
	index int
	score float32
}

// higher scores first, then lower indices
func candidateComparator(a, b candidate) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return cmp.Compare(a.index, b.index)
}

// PruneSemistructured keeps the n highest scoring weights in every block of m
// consecutive weights of a row and zeros the rest. A trailing partial block
// keeps at most n.
func PruneSemistructured(weight, score *ml.Tensor, n, m int) error {
	if n <= 0 || m <= 0 || n > m {
		return fmt.Errorf("%w: %d:%d", ErrInvalidBlockConfig, n, m)
	}

	if err := checkScore(weight, score); err != nil {
		return err
	}

	q := pq.NewWith(candidateComparator)
	keep := make([]bool, m)
	for i := range weight.Dim(0) {
		row, scores := weight.Row(i), score.Row(i)
		for start := 0; start < len(row); start += m {
			end := min(start+m, len(row))

			q.Clear()
			clear(keep)
			for j := start; j < end; j++ {
				q.Enqueue(candidate{index: j, score: scores[j]})
			}

			for range min(n, end-start) {
				c, _ := q.Dequeue()
				keep[c.index-start] = true
			}

			for j := start; j < end; j++ {
				if !keep[j-start] {
					row[j] = 0
				}
			}
		}
	}

	return nil
}
