package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// General views a rank-2 tensor as a BLAS matrix.
func (t *Tensor) General() blas32.General {
	rows, cols := t.shape[0], t.shape[1]
	return blas32.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: t.data}
}

// MatMulT computes x @ wᵀ for x [..., k] and w [n, k], returning [..., n] on
// the device of x.
func MatMulT(x, w *Tensor) (*Tensor, error) {
	if err := SameDevice(x, w); err != nil {
		return nil, err
	}

	if w.Rank() != 2 {
		return nil, fmt.Errorf("ml: matmul weight must be rank 2, got %v", w.shape)
	}

	k := x.Dim(-1)
	if w.shape[1] != k {
		return nil, fmt.Errorf("ml: matmul shape mismatch %v x %vᵀ", x.shape, w.shape)
	}

	n := w.shape[0]
	rows := len(x.data) / max(k, 1)

	shape := append(x.Shape()[:x.Rank()-1], n)
	out := Zeros(x.dtype, x.device, shape...)
	if rows == 0 || n == 0 || k == 0 {
		return out, nil
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: k, Stride: k, Data: x.data},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: w.data},
		0,
		blas32.General{Rows: rows, Cols: n, Stride: n, Data: out.data},
	)

	return out, nil
}

// Add adds other to t element-wise in place. other may be a vector matching
// the last dimension of t, in which case it is broadcast over rows.
func (t *Tensor) Add(other *Tensor) error {
	if err := SameDevice(t, other); err != nil {
		return err
	}

	switch {
	case len(other.data) == len(t.data):
		for i := range t.data {
			t.data[i] += other.data[i]
		}
	case other.Rank() == 1 && len(other.data) == t.Dim(-1):
		cols := len(other.data)
		for i := range t.data {
			t.data[i] += other.data[i%cols]
		}
	default:
		return fmt.Errorf("ml: cannot add %v to %v", other.shape, t.shape)
	}

	return nil
}

// Mul multiplies t by other element-wise in place.
func (t *Tensor) Mul(other *Tensor) error {
	if err := SameDevice(t, other); err != nil {
		return err
	}

	if len(other.data) != len(t.data) {
		return fmt.Errorf("ml: cannot multiply %v by %v", t.shape, other.shape)
	}

	for i := range t.data {
		t.data[i] *= other.data[i]
	}

	return nil
}

// RMSNorm normalizes each row of x by its root mean square and scales by weight.
func RMSNorm(x, weight *Tensor, eps float32) (*Tensor, error) {
	if err := SameDevice(x, weight); err != nil {
		return nil, err
	}

	cols := x.Dim(-1)
	if weight.Len() != cols {
		return nil, fmt.Errorf("ml: rms norm weight %v does not match %v", weight.shape, x.shape)
	}

	out := Zeros(x.dtype, x.device, x.shape...)
	for r := 0; r < len(x.data)/max(cols, 1); r++ {
		row := x.data[r*cols : (r+1)*cols]
		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}

		scale := float32(1 / math.Sqrt(sum/float64(cols)+float64(eps)))
		dst := out.data[r*cols : (r+1)*cols]
		for i, v := range row {
			dst[i] = v * scale * weight.data[i]
		}
	}

	return out, nil
}

// SILU applies x * sigmoid(x) in place.
func (t *Tensor) SILU() *Tensor {
	for i, v := range t.data {
		t.data[i] = v / (1 + float32(math.Exp(-float64(v))))
	}
	return t
}

// Softmax normalizes s in place, ignoring -Inf entries.
func Softmax(s []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range s {
		maxv = max(maxv, v)
	}

	if math.IsInf(float64(maxv), -1) {
		clear(s)
		return
	}

	var sum float64
	for i, v := range s {
		e := math.Exp(float64(v - maxv))
		s[i] = float32(e)
		sum += e
	}

	for i := range s {
		s[i] = float32(float64(s[i]) / sum)
	}
}
