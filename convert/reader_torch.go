package convert

import (
	"fmt"
	"io/fs"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/ollama/losparse/ml"
)

func parseTorch(_ fs.FS, dir string, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(joinPath(dir, p))
		if err != nil {
			return nil, err
		}

		dict, ok := pt.(*types.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: expected a state dict, got %T", p, pt)
		}

		for _, k := range dict.Keys() {
			name, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: unexpected key %v", p, k)
			}

			t, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				continue
			}

			dtype, err := torchDType(t.Source)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}

			ts = append(ts, torch{
				t: t,
				tensorBase: &tensorBase{
					name:  name,
					shape: append([]int(nil), t.Size...),
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

func torchDType(s pytorch.StorageInterface) (ml.DType, error) {
	switch s := s.(type) {
	case *pytorch.FloatStorage:
		return ml.DTypeF32, nil
	case *pytorch.HalfStorage:
		return ml.DTypeF16, nil
	case *pytorch.BFloat16Storage:
		return ml.DTypeBF16, nil
	default:
		return ml.DTypeF32, fmt.Errorf("unknown data type: %T", s)
	}
}

type torch struct {
	t *pytorch.Tensor
	*tensorBase
}

// Floats gathers the tensor's view of its storage into a contiguous slice.
func (pt torch) Floats() ([]float32, error) {
	var data []float32
	switch s := pt.t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, fmt.Errorf("unknown data type: %T", s)
	}

	stride := pt.t.Stride
	if len(stride) != len(pt.shape) {
		stride = contiguousStride(pt.shape)
	}

	f32s := make([]float32, numel(pt.shape))
	if len(f32s) == 0 {
		return f32s, nil
	}

	index := make([]int, len(pt.shape))
	for i := range f32s {
		offset := pt.t.StorageOffset
		for d, n := range index {
			offset += n * stride[d]
		}

		if offset < 0 || offset >= len(data) {
			return nil, fmt.Errorf("%s: element %d is outside its storage", pt.name, i)
		}
		f32s[i] = data[offset]

		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < pt.shape[d] {
				break
			}
			index[d] = 0
		}
	}

	return f32s, nil
}
