package convert

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/x448/float16"

	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

// WriteSafetensors serializes sd in the safetensors format. Each tensor is
// stored in its own dtype; tensors are laid out in key order.
func WriteSafetensors(w io.Writer, sd model.StateDict, metadata map[string]string) error {
	keys := sd.Keys()

	header := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, key := range keys {
		t := sd[key]
		size := int64(t.Len() * t.DType().Size())
		header[key] = safetensorMetadata{
			Type:    t.DType().String(),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// the data section starts on an 8 byte boundary
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, key := range keys {
		if err := writeTensorData(w, sd[key]); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

func writeTensorData(w io.Writer, t *ml.Tensor) error {
	f32s := t.Floats()
	switch t.DType() {
	case ml.DTypeF32:
		return binary.Write(w, binary.LittleEndian, f32s)
	case ml.DTypeF16:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}

		return binary.Write(w, binary.LittleEndian, f16s)
	case ml.DTypeBF16:
		_, err := w.Write(ml.EncodeBF16(f32s))
		return err
	default:
		return fmt.Errorf("unknown data type: %s", t.DType())
	}
}
