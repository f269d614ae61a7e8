package convert

import (
	"errors"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/ollama/losparse/ml"
)

// Tensor is a checkpoint tensor whose data is read on demand.
type Tensor interface {
	Name() string
	Shape() []int
	DType() ml.DType
	Floats() ([]float32, error)
}

type tensorBase struct {
	name  string
	shape []int
	dtype ml.DType
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []int {
	return t.shape
}

func (t tensorBase) DType() ml.DType {
	return t.dtype
}

// ErrUnknownFormat is returned when a directory holds no recognized weights.
var ErrUnknownFormat = errors.New("unknown tensor format")

type parser func(fsys fs.FS, dir string, ps ...string) ([]Tensor, error)

// parseTensors finds the checkpoint shards in fsys. dir is the path fsys is
// rooted at on disk; PyTorch files are opened through it.
func parseTensors(fsys fs.FS, dir string) ([]Tensor, error) {
	patterns := []struct {
		pattern string
		parse   parser
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
		{"consolidated.*.pth", parseTorch},
	}

	for _, p := range patterns {
		matches, err := fs.Glob(fsys, p.pattern)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			slices.Sort(matches)
			return p.parse(fsys, dir, matches...)
		}
	}

	return nil, ErrUnknownFormat
}

func joinPath(dir, p string) string {
	if dir == "" {
		return p
	}
	return filepath.Join(dir, filepath.FromSlash(p))
}

// row-major strides for shape
func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	return stride
}
