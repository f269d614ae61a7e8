package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/ollama/losparse/ml"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func readSafetensorsHeader(r io.Reader) (int64, map[string]safetensorMetadata, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, nil, err
	}

	if n <= 0 || n > 100<<20 {
		return 0, nil, fmt.Errorf("invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return 0, nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return 0, nil, err
	}

	return n, headers, nil
}

func parseSafetensors(fsys fs.FS, _ string, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	names := make(map[string]struct{})
	for _, p := range ps {
		f, err := fsys.Open(p)
		if err != nil {
			return nil, err
		}

		n, headers, err := readSafetensorsHeader(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		keys := maps.Keys(headers)
		slices.Sort(keys)

		for _, key := range keys {
			value := headers[key]
			if value.Type == "" {
				continue
			}

			// bitsandbytes quantized models are unsupported
			if len(value.Shape) == 0 || len(value.Offsets) != 2 {
				return nil, errors.New("unsupported safetensors model")
			}

			dtype, err := ml.ParseDType(value.Type)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			if _, ok := names[key]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s' was found for this model", key)
			}
			names[key] = struct{}{}

			ts = append(ts, safetensor{
				fs:     fsys,
				path:   p,
				offset: safetensorsPad(n, value.Offsets[0]),
				size:   value.Offsets[1] - value.Offsets[0],
				tensorBase: &tensorBase{
					name:  key,
					shape: value.Shape,
					dtype: dtype,
				},
			})
		}
	}

	return ts, nil
}

// safetensorsPad returns the absolute file offset of a tensor given the header
// length n and its data offset
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	fs     fs.FS
	path   string
	offset int64
	size   int64
	*tensorBase
}

func (st safetensor) Floats() ([]float32, error) {
	f, err := st.fs.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(st.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.CopyN(io.Discard, f, st.offset); err != nil {
			return nil, err
		}
	}

	if want := int64(numel(st.shape) * st.dtype.Size()); want != st.size {
		return nil, fmt.Errorf("%s: shape %v needs %d bytes, header has %d", st.name, st.shape, want, st.size)
	}

	var f32s []float32
	switch st.dtype {
	case ml.DTypeF32:
		f32s = make([]float32, st.size/4)
		if err = binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case ml.DTypeF16:
		u16s := make([]uint16, st.size/2)
		if err = binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case ml.DTypeBF16:
		u8s := make([]uint8, st.size)
		if _, err = io.ReadFull(f, u8s); err != nil {
			return nil, err
		}

		f32s = bfloat16.DecodeFloat32(u8s)
	default:
		return nil, fmt.Errorf("unknown data type: %s", st.dtype)
	}

	return f32s, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
