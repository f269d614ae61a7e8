package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ollama/losparse/ml"
)

// Observer receives the input of every forward call of the linear layer it is
// attached to.
type Observer interface {
	Observe(input *ml.Tensor) error
}

// Linear is y = x Wᵀ + (x Aᵀ) Bᵀ + b. The low-rank pair (LoA [k, in],
// LoB [out, k]) is nil for dense layers.
type Linear struct {
	Weight *ml.Tensor
	Bias   *ml.Tensor
	LoA    *ml.Tensor
	LoB    *ml.Tensor

	observers []*binding
}

type binding struct {
	Observer
}

// NewLinear allocates a zero [out, in] linear layer. A positive rank adds a
// low-rank pair of rank min(rank, out, in).
func NewLinear(dtype ml.DType, device ml.Device, in, out, rank int) *Linear {
	l := &Linear{Weight: ml.Zeros(dtype, device, out, in)}
	if rank > 0 {
		rank = min(rank, out, in)
		l.LoA = ml.Zeros(dtype, device, rank, in)
		l.LoB = ml.Zeros(dtype, device, out, rank)
	}
	return l
}

func (l *Linear) InFeatures() int  { return l.Weight.Dim(1) }
func (l *Linear) OutFeatures() int { return l.Weight.Dim(0) }

// IsLowRank reports whether the layer carries a low-rank pair.
func (l *Linear) IsLowRank() bool {
	return l.LoA != nil && l.LoB != nil
}

// Rank is the inner dimension of the low-rank pair, or 0 for dense layers.
func (l *Linear) Rank() int {
	if !l.IsLowRank() {
		return 0
	}
	return l.LoA.Dim(0)
}

func (l *Linear) Device() ml.Device {
	return l.Weight.Device()
}

// To moves every parameter of the layer to d.
func (l *Linear) To(d ml.Device) {
	l.Weight = l.Weight.To(d)
	l.Bias = l.Bias.To(d)
	l.LoA = l.LoA.To(d)
	l.LoB = l.LoB.To(d)
}

// Attach binds o to the layer until the returned detach function is called.
// Detaching more than once is a no-op.
func (l *Linear) Attach(o Observer) (detach func()) {
	b := &binding{o}
	l.observers = append(l.observers, b)
	return func() {
		l.observers = slices.DeleteFunc(l.observers, func(e *binding) bool { return e == b })
	}
}

// Observers is the number of attached observers.
func (l *Linear) Observers() int {
	return len(l.observers)
}

func (l *Linear) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	for _, o := range l.observers {
		if err := o.Observe(x); err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
	}

	y, err := ml.MatMulT(x, l.Weight)
	if err != nil {
		return nil, err
	}

	if l.IsLowRank() {
		xa, err := ml.MatMulT(x, l.LoA)
		if err != nil {
			return nil, err
		}

		xab, err := ml.MatMulT(xa, l.LoB)
		if err != nil {
			return nil, err
		}

		if err := y.Add(xab); err != nil {
			return nil, err
		}
	}

	if l.Bias != nil {
		if err := y.Add(l.Bias); err != nil {
			return nil, err
		}
	}

	return y, nil
}

// Effective returns the dense weight the layer computes, W + B A.
func (l *Linear) Effective() (*ml.Tensor, error) {
	w := l.Weight.Clone()
	if !l.IsLowRank() {
		return w, nil
	}

	// MatMulT(B, Aᵀ) = B @ A
	at, err := transpose(l.LoA)
	if err != nil {
		return nil, err
	}

	ba, err := ml.MatMulT(l.LoB, at)
	if err != nil {
		return nil, err
	}

	if err := w.Add(ba); err != nil {
		return nil, err
	}

	return w, nil
}

func transpose(t *ml.Tensor) (*ml.Tensor, error) {
	if t.Rank() != 2 {
		return nil, errors.New("transpose requires a rank 2 tensor")
	}

	rows, cols := t.Dim(0), t.Dim(1)
	out := ml.Zeros(t.DType(), t.Device(), cols, rows)
	src, dst := t.Floats(), out.Floats()
	for i := range rows {
		for j := range cols {
			dst[j*rows+i] = src[i*cols+j]
		}
	}

	return out, nil
}
