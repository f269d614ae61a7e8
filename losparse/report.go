package losparse

import (
	"fmt"

	"github.com/ollama/losparse/model"
)

// LayerSparsity summarizes one linear layer after compression.
type LayerSparsity struct {
	Name  string
	Shape []int
	Rank  int
	Zeros int
	Total int
}

func (s LayerSparsity) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Zeros) / float64(s.Total)
}

// Report lists the residual weight sparsity of every linear layer in m's
// blocks, in block order.
func Report(m *model.Llama) []LayerSparsity {
	var report []LayerSparsity
	for i, b := range m.Blocks() {
		for _, l := range b.Linears() {
			report = append(report, LayerSparsity{
				Name:  fmt.Sprintf("model.layers.%d.%s", i, l.Name),
				Shape: l.Weight.Shape(),
				Rank:  l.Rank(),
				Zeros: l.Weight.CountZeros(),
				Total: l.Weight.Len(),
			})
		}
	}
	return report
}

// Overall is the combined zero fraction of the layers in report.
func Overall(report []LayerSparsity) float64 {
	var zeros, total int
	for _, s := range report {
		zeros += s.Zeros
		total += s.Total
	}

	if total == 0 {
		return 0
	}
	return float64(zeros) / float64(total)
}
