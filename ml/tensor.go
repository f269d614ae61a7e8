package ml

import (
	"fmt"
	"slices"
)

// Tensor is a dense, row-major tensor with float32 storage. The dtype records
// the working precision the values were rounded to and the device records where
// the tensor is resident.
type Tensor struct {
	shape  []int
	data   []float32
	dtype  DType
	device Device
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// FromFloats wraps s without copying. It panics if the shape does not match the
// number of elements.
func FromFloats(s []float32, dtype DType, device Device, shape ...int) *Tensor {
	if n := numel(shape); n != len(s) {
		panic(fmt.Sprintf("ml: shape %v requires %d elements, got %d", shape, n, len(s)))
	}

	return &Tensor{shape: slices.Clone(shape), data: s, dtype: dtype, device: device}
}

func Zeros(dtype DType, device Device, shape ...int) *Tensor {
	return FromFloats(make([]float32, numel(shape)), dtype, device, shape...)
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	return t.shape[n]
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Len() int {
	return len(t.data)
}

// Floats returns the backing storage. Writes are visible to every view.
func (t *Tensor) Floats() []float32 {
	return t.data
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Device() Device {
	return t.device
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.shape, t.dtype, t.device)
}

// Clone returns a deep copy on the same device.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data), dtype: t.dtype, device: t.device}
}

// To returns t resident on device d. The receiver is returned unchanged when it
// already lives there; otherwise the data is transferred to a new buffer.
func (t *Tensor) To(d Device) *Tensor {
	if t == nil || t.device == d {
		return t
	}

	c := t.Clone()
	c.device = d
	return c
}

// Cast rounds t to dtype in place.
func (t *Tensor) Cast(dtype DType) *Tensor {
	dtype.Round(t.data)
	t.dtype = dtype
	return t
}

// Index returns a view of the i-th slice along the first dimension.
func (t *Tensor) Index(i int) *Tensor {
	if len(t.shape) < 2 {
		panic("ml: Index requires a tensor with at least 2 dimensions")
	}

	stride := numel(t.shape[1:])
	return &Tensor{
		shape:  slices.Clone(t.shape[1:]),
		data:   t.data[i*stride : (i+1)*stride : (i+1)*stride],
		dtype:  t.dtype,
		device: t.device,
	}
}

// Reshape returns a view with a new shape. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("ml: reshape %v: more than one inferred dimension", shape)
			}
			infer = i
			continue
		}
		known *= d
	}

	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("ml: cannot reshape %v to %v", t.shape, shape)
		}
		shape[infer] = len(t.data) / known
	}

	if numel(shape) != len(t.data) {
		return nil, fmt.Errorf("ml: cannot reshape %v to %v", t.shape, shape)
	}

	return &Tensor{shape: shape, data: t.data, dtype: t.dtype, device: t.device}, nil
}

// Row returns row i of a rank-2 tensor as a slice of the backing storage.
func (t *Tensor) Row(i int) []float32 {
	cols := t.shape[len(t.shape)-1]
	return t.data[i*cols : (i+1)*cols : (i+1)*cols]
}

// CopyFrom copies src into t. Shapes must have the same number of elements and
// both tensors must be on the same device.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := SameDevice(t, src); err != nil {
		return err
	}

	if len(t.data) != len(src.data) {
		return fmt.Errorf("ml: copy %v into %v: size mismatch", src.shape, t.shape)
	}

	copy(t.data, src.data)
	return nil
}

// SameDevice returns ErrDeviceMismatch unless every non-nil tensor shares a device.
func SameDevice(ts ...*Tensor) error {
	var first *Tensor
	for _, t := range ts {
		if t == nil {
			continue
		}

		if first == nil {
			first = t
			continue
		}

		if t.device != first.device {
			return fmt.Errorf("%w: found %s and %s", ErrDeviceMismatch, first.device, t.device)
		}
	}

	return nil
}

// CountZeros returns the number of elements exactly equal to zero.
func (t *Tensor) CountZeros() int {
	var n int
	for _, v := range t.data {
		if v == 0 {
			n++
		}
	}
	return n
}
