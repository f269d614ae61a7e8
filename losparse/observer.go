package losparse

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

// ErrUnsupportedVariant is returned for an unknown importance scoring strategy.
var ErrUnsupportedVariant = errors.New("unsupported variant")

// Variant selects how importance scores are computed from weights and
// activation statistics.
type Variant int

const (
	VariantWanda Variant = iota
)

func (v Variant) String() string {
	switch v {
	case VariantWanda:
		return "wanda"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "wanda":
		return VariantWanda, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVariant, s)
	}
}

// Score returns one importance value per weight. scalarRow holds the mean
// squared norm of each input channel.
func (v Variant) Score(weight *ml.Tensor, scalarRow []float64) (*ml.Tensor, error) {
	if weight.Rank() != 2 || weight.Dim(1) != len(scalarRow) {
		return nil, fmt.Errorf("score: weight %v does not match %d input channels", weight.Shape(), len(scalarRow))
	}

	switch v {
	case VariantWanda:
		norms := make([]float64, len(scalarRow))
		for j, s := range scalarRow {
			norms[j] = math.Sqrt(s)
		}

		score := ml.Zeros(ml.DTypeF32, weight.Device(), weight.Shape()...)
		for i := range weight.Dim(0) {
			dst := score.Row(i)
			for j, w := range weight.Row(i) {
				dst[j] = float32(math.Abs(float64(w)) * norms[j])
			}
		}
		return score, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, v)
	}
}

// Collector accumulates the mean squared L2 norm of each input channel of a
// linear layer across calibration samples. The inputs themselves are not
// retained.
type Collector struct {
	variant Variant
	linear  *model.Linear

	scalarRow []float64
	samples   int

	detach func()
}

func NewCollector(l *model.Linear, v Variant) *Collector {
	return &Collector{
		variant:   v,
		linear:    l,
		scalarRow: make([]float64, l.InFeatures()),
	}
}

// Bind attaches c to its linear layer. Binding twice is a no-op.
func (c *Collector) Bind() {
	if c.detach == nil {
		c.detach = c.linear.Attach(c)
	}
}

// Unbind detaches c from its linear layer. It is safe to call more than once.
func (c *Collector) Unbind() {
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

// Observe folds one forward input into the running statistic. Inputs are
// [batch, seq, in] or [seq, in]; the latter counts as a single sample.
func (c *Collector) Observe(x *ml.Tensor) error {
	cols := len(c.scalarRow)
	if x.Dim(-1) != cols {
		return fmt.Errorf("collector: input %v does not match %d input channels", x.Shape(), cols)
	}

	var batch int
	switch x.Rank() {
	case 2:
		batch = 1
	case 3:
		batch = x.Dim(0)
	default:
		return fmt.Errorf("collector: unsupported input rank %d", x.Rank())
	}

	sums := make([]float64, cols)
	if rows := x.Len() / max(cols, 1); rows > 0 {
		channels, err := channelMajor(x.Floats(), rows, cols)
		if err != nil {
			return err
		}

		for j, channel := range channels {
			for _, v := range channel {
				sums[j] += float64(v) * float64(v)
			}
		}
	}

	n := c.samples + batch
	if n == 0 {
		return nil
	}

	scale := float64(c.samples) / float64(n)
	for j := range c.scalarRow {
		c.scalarRow[j] = c.scalarRow[j]*scale + sums[j]/float64(n)
	}
	c.samples = n
	return nil
}

// channelMajor transposes a [rows, cols] activation so that each input channel
// is one contiguous row. data is not modified.
func channelMajor(data []float32, rows, cols int) ([][]float32, error) {
	switch {
	case cols == 1:
		return [][]float32{slices.Clone(data[:rows])}, nil
	case rows == 1:
		channels := make([][]float32, cols)
		for j := range channels {
			channels[j] = []float32{data[j]}
		}
		return channels, nil
	}

	t := tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(slices.Clone(data)))
	if err := t.T(1, 0); err != nil {
		return nil, err
	}

	if err := t.Transpose(); err != nil {
		return nil, err
	}

	return native.MatrixF32(t)
}

// Samples is the number of samples observed so far.
func (c *Collector) Samples() int {
	return c.samples
}

// ScalarRow returns a copy of the running statistic.
func (c *Collector) ScalarRow() []float64 {
	return append([]float64(nil), c.scalarRow...)
}

// Compute scores the layer's current weight against the collected statistic.
func (c *Collector) Compute() (*ml.Tensor, error) {
	return c.variant.Score(c.linear.Weight, c.scalarRow)
}
