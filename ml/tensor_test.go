package ml

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestTensorViews(t *testing.T) {
	x := FromFloats([]float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, DTypeF32, CPU, 2, 3, 2)

	row := x.Index(1)
	if diff := cmp.Diff([]int{3, 2}, row.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	row.Floats()[0] = 100
	if x.Floats()[6] != 100 {
		t.Errorf("index view does not share storage")
	}

	r, err := x.Reshape(-1, 2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{6, 2}, r.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if _, err := x.Reshape(5, -1); err == nil {
		t.Errorf("expected error reshaping 12 elements to [5, -1]")
	}
}

func TestTensorTo(t *testing.T) {
	x := FromFloats([]float32{1, 2}, DTypeF32, CPU, 2)
	if x.To(CPU) != x {
		t.Errorf("moving to the resident device should be a no-op")
	}

	y := x.To("cuda:0")
	if y.Device() != "cuda:0" || x.Device() != CPU {
		t.Errorf("unexpected devices %s %s", x.Device(), y.Device())
	}

	y.Floats()[0] = 5
	if x.Floats()[0] != 1 {
		t.Errorf("transfer should not alias the source")
	}

	if err := x.Add(y); !errors.Is(err, ErrDeviceMismatch) {
		t.Errorf("expected ErrDeviceMismatch, got %v", err)
	}
}

func TestMatMulT(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6}, DTypeF32, CPU, 1, 2, 3)
	w := FromFloats([]float32{1, 0, 0, 0, 1, 1}, DTypeF32, CPU, 2, 3)

	y, err := MatMulT(x, w)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{1, 2, 2}, y.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{1, 5, 4, 11}, y.Floats()); diff != "" {
		t.Errorf("matmul mismatch (-want +got):\n%s", diff)
	}

	if _, err := MatMulT(x, w.To("cuda:0")); !errors.Is(err, ErrDeviceMismatch) {
		t.Errorf("expected ErrDeviceMismatch, got %v", err)
	}
}

func TestRMSNormAndSoftmax(t *testing.T) {
	x := FromFloats([]float32{3, 4}, DTypeF32, CPU, 1, 2)
	w := FromFloats([]float32{1, 2}, DTypeF32, CPU, 2)

	y, err := RMSNorm(x, w, 0)
	if err != nil {
		t.Fatal(err)
	}

	rms := math.Sqrt((9 + 16) / 2.0)
	want := []float32{float32(3 / rms), float32(8 / rms)}
	if diff := cmp.Diff(want, y.Floats(), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("rms norm mismatch (-want +got):\n%s", diff)
	}

	s := []float32{0, float32(math.Inf(-1)), 0}
	Softmax(s)
	if diff := cmp.Diff([]float32{0.5, 0, 0.5}, s, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestDTypeRound(t *testing.T) {
	s := []float32{1.0009765625 + 1e-4, 3.14159}
	DTypeF16.Round(s)
	if s[0] != 1.0009765625 {
		t.Errorf("expected f16 rounding to 1.0009765625, got %v", s[0])
	}

	b := []float32{1.5, 2}
	DTypeBF16.Round(b)
	if diff := cmp.Diff([]float32{1.5, 2}, b); diff != "" {
		t.Errorf("exactly representable values changed (-want +got):\n%s", diff)
	}

	cases := []struct {
		in, want float32
	}{
		{1 + 0x1p-7 + 0x1p-8 + 0x1p-12, 1 + 0x1p-6},
		{1 + 0x1p-8, 1},
		{1 + 0x1p-7 + 0x1p-8, 1 + 0x1p-6},
		{-(1 + 0x1p-8 + 0x1p-12), -(1 + 0x1p-7)},
		{math.MaxFloat32, float32(math.Inf(1))},
	}

	for _, tt := range cases {
		got := []float32{tt.in}
		DTypeBF16.Round(got)
		if got[0] != tt.want {
			t.Errorf("bf16 round of %v: want %v, got %v", tt.in, tt.want, got[0])
		}
	}

	nan := []float32{float32(math.NaN())}
	DTypeBF16.Round(nan)
	if !math.IsNaN(float64(nan[0])) {
		t.Errorf("expected NaN to survive bf16 rounding, got %v", nan[0])
	}

	for _, name := range []string{"F16", "bfloat16", "float32"} {
		if _, err := ParseDType(name); err != nil {
			t.Errorf("ParseDType(%q): %v", name, err)
		}
	}
}

func TestDump(t *testing.T) {
	x := FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, DTypeF32, CPU, 8)
	got := Dump(x, DumpOptions{Items: 2, Precision: 1})
	want := "[1.0, 2.0, ..., 7.0, 8.0]"
	if got != want {
		t.Errorf("want %q, got %q", want, got)
	}

	if got := DumpValue(x, DumpOptions{Items: 2, Precision: 1}).LogValue().String(); got != want {
		t.Errorf("DumpValue: want %q, got %q", want, got)
	}
}
