package ml

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the working precision of a tensor. Storage is always float32;
// values are rounded to the dtype whenever they are cast.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size is the number of bytes per element when serialized.
func (d DType) Size() int {
	switch d {
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 4
	}
}

// ParseDType accepts safetensors ("F16", "BF16") and torch ("float16",
// "bfloat16") spellings.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "float":
		return DTypeF32, nil
	case "f16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeF32, fmt.Errorf("unknown data type: %s", s)
	}
}

// Round rounds every value in s to the precision of d in place.
func (d DType) Round(s []float32) {
	switch d {
	case DTypeF16:
		for i := range s {
			s[i] = float16.Fromfloat32(s[i]).Float32()
		}
	case DTypeBF16:
		copy(s, bfloat16.DecodeFloat32(EncodeBF16(s)))
	}
}

// EncodeBF16 packs s as little-endian bfloat16, rounding to nearest even.
// NaNs keep their sign and stay quiet.
func EncodeBF16(s []float32) []byte {
	b := make([]byte, 2*len(s))
	for i, f := range s {
		u := math.Float32bits(f)
		if math.IsNaN(float64(f)) {
			u |= 0x00400000
		} else {
			u += 0x7FFF + (u>>16)&1
		}

		b[2*i] = byte(u >> 16)
		b[2*i+1] = byte(u >> 24)
	}
	return b
}

// RoundFloat64 converts s to float32 at the precision of d.
func (d DType) RoundFloat64(s []float64) []float32 {
	f32s := make([]float32, len(s))
	for i := range s {
		f32s[i] = float32(s[i])
	}

	d.Round(f32s)
	return f32s
}
