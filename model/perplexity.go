package model

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Perplexity is exp of the mean next-token negative log likelihood over samples.
func Perplexity(m *Llama, samples [][]int32) (float64, error) {
	var nll float64
	var count int
	logits := make([]float64, m.VocabSize)
	for _, sample := range samples {
		if len(sample) < 2 {
			continue
		}

		out, err := m.Forward(sample)
		if err != nil {
			return 0, err
		}

		for t := range len(sample) - 1 {
			for i, v := range out.Row(t) {
				logits[i] = float64(v)
			}

			nll += floats.LogSumExp(logits) - logits[sample[t+1]]
			count++
		}
	}

	if count == 0 {
		return 0, errors.New("perplexity requires samples of at least two tokens")
	}

	return math.Exp(nll / float64(count)), nil
}
