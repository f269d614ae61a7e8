package model

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/losparse/ml"
)

func testConfig() Config {
	return Config{
		Architecture:          "LlamaForCausalLM",
		VocabSize:             16,
		HiddenSize:            8,
		IntermediateSize:      12,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		NumKeyValueHeads:      1,
		MaxPositionEmbeddings: 32,
		RMSNormEps:            1e-6,
		RopeTheta:             10000,
		DType:                 ml.DTypeF32,
	}
}

func newTestModel(t *testing.T, c Config, opts ...Option) *Llama {
	t.Helper()

	m, err := New(c, opts...)
	require.NoError(t, err)
	m.InitWeights(42, 0.2)
	return m
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{"no intermediate size", func(c *Config) { c.IntermediateSize = 0 }, "invalid intermediate size 0"},
		{"negative intermediate size", func(c *Config) { c.IntermediateSize = -4 }, "invalid intermediate size -4"},
		{"no hidden size", func(c *Config) { c.HiddenSize = 0 }, "invalid model config"},
		{"odd head dimension", func(c *Config) { c.HiddenSize, c.NumAttentionHeads, c.NumKeyValueHeads = 6, 2, 2 }, "head dimension 3"},
		{"key/value heads", func(c *Config) { c.NumKeyValueHeads = 3 }, "not divisible by 3"},
		{"negative rank", func(c *Config) { c.Rank = -1 }, "invalid rank"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.modify(&c)
			_, err := New(c)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}

type recorder struct {
	shapes [][]int
}

func (r *recorder) Observe(x *ml.Tensor) error {
	r.shapes = append(r.shapes, x.Shape())
	return nil
}

func TestLinearObservers(t *testing.T) {
	l := NewLinear(ml.DTypeF32, ml.CPU, 3, 2, 0)
	copy(l.Weight.Floats(), []float32{1, 0, 0, 0, 1, 0})

	var r recorder
	detach := l.Attach(&r)
	assert.Equal(t, 1, l.Observers())

	x := ml.FromFloats([]float32{1, 2, 3}, ml.DTypeF32, ml.CPU, 1, 1, 3)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, y.Floats())

	detach()
	detach()
	assert.Equal(t, 0, l.Observers())

	_, err = l.Forward(x)
	require.NoError(t, err)

	if diff := cmp.Diff([][]int{{1, 1, 3}}, r.shapes); diff != "" {
		t.Errorf("observed shapes mismatch (-want +got):\n%s", diff)
	}
}

type failing struct{}

func (failing) Observe(*ml.Tensor) error { return errors.New("boom") }

func TestLinearObserverError(t *testing.T) {
	l := NewLinear(ml.DTypeF32, ml.CPU, 2, 2, 0)
	defer l.Attach(failing{})()

	_, err := l.Forward(ml.Zeros(ml.DTypeF32, ml.CPU, 1, 2))
	assert.ErrorContains(t, err, "boom")
}

func TestLowRankLinear(t *testing.T) {
	l := NewLinear(ml.DTypeF32, ml.CPU, 3, 2, 1)
	copy(l.Weight.Floats(), []float32{1, 0, 0, 0, 1, 0})
	copy(l.LoA.Floats(), []float32{1, 1, 1})
	copy(l.LoB.Floats(), []float32{2, 3})
	l.Bias = ml.FromFloats([]float32{0.5, -0.5}, ml.DTypeF32, ml.CPU, 2)

	assert.True(t, l.IsLowRank())
	assert.Equal(t, 1, l.Rank())

	x := ml.FromFloats([]float32{1, 2, 3}, ml.DTypeF32, ml.CPU, 1, 3)
	y, err := l.Forward(x)
	require.NoError(t, err)
	// Wx = [1, 2], Ax = 6, B(Ax) = [12, 18]
	assert.Equal(t, []float32{13.5, 19.5}, y.Floats())

	w, err := l.Effective()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 2, 2, 3, 4, 3}, w.Floats())
}

func TestForward(t *testing.T) {
	m := newTestModel(t, testConfig())

	logits, err := m.Forward([]int32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 16}, logits.Shape())

	for _, v := range logits.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite logit %v", v)
		}
	}

	// causal: the first position does not depend on later tokens
	other, err := m.Forward([]int32{1, 9, 9, 9})
	require.NoError(t, err)
	if diff := cmp.Diff(logits.Row(0), other.Row(0), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("first position changed with later tokens (-want +got):\n%s", diff)
	}

	_, err = m.Forward([]int32{16})
	assert.Error(t, err)

	ppl, err := Perplexity(m, [][]int32{{1, 2, 3, 4}, {5, 6, 7}})
	require.NoError(t, err)
	assert.Greater(t, ppl, 1.0)
}

func TestDevicePlacement(t *testing.T) {
	dm := ml.DeviceMap{
		"model.embed_tokens": "cuda:0",
		"model.layers.0":     "cuda:0",
		"model.layers.1":     "cuda:1",
		"model.norm":         "cuda:1",
		"lm_head":            "cuda:1",
	}

	m := newTestModel(t, testConfig(), WithDeviceMap(dm))
	assert.Equal(t, ml.Device("cuda:0"), m.Layers[0].Device())
	assert.Equal(t, ml.Device("cuda:1"), m.Layers[1].Device())
	assert.Equal(t, ml.Device("cuda:1"), m.Layers[1].MLP.Down.Device())

	_, err := m.Forward([]int32{1, 2, 3})
	require.NoError(t, err)

	x := ml.Zeros(ml.DTypeF32, "cuda:0", 1, 3, 8)
	_, err = m.Layers[1].Forward(x, CausalMask(3, "cuda:0"), Positions(3, "cuda:0"))
	assert.ErrorIs(t, err, ml.ErrDeviceMismatch)

	_, err = New(testConfig(), WithDeviceMap(ml.DeviceMap{"model.layers": "cuda:0"}))
	assert.ErrorIs(t, err, ml.ErrDeviceMapping)
}

func TestConvertToLowRank(t *testing.T) {
	m := newTestModel(t, testConfig())
	want, err := m.Forward([]int32{3, 1, 4, 1, 5})
	require.NoError(t, err)

	layers := len(m.StateDict())
	ptr := m
	require.NoError(t, ConvertToLowRank(m, 4))
	assert.Same(t, ptr, m)
	assert.Equal(t, 4, m.Rank)

	for _, l := range m.Layers[0].Linears() {
		assert.Equal(t, 4, l.Rank(), l.Name)
		assert.Equal(t, 0, l.LoA.CountZeros()-l.LoA.Len(), l.Name)
	}
	assert.Len(t, m.StateDict(), layers+2*2*7)

	// zero-initialized low-rank pairs leave the function unchanged
	got, err := m.Forward([]int32{3, 1, 4, 1, 5})
	require.NoError(t, err)
	if diff := cmp.Diff(want.Floats(), got.Floats()); diff != "" {
		t.Errorf("logits changed by conversion (-want +got):\n%s", diff)
	}
}

func TestConvertRejectsUnexpectedKeys(t *testing.T) {
	c := testConfig()
	c.AttentionBias = true
	m := newTestModel(t, c)

	m.Config.AttentionBias = false
	err := ConvertToLowRank(m, 2)
	assert.ErrorIs(t, err, ErrUnexpectedWeightKey)
	assert.ErrorContains(t, err, "model.layers.0.self_attn.q_proj.bias")
}

func TestLoadStateDict(t *testing.T) {
	src := newTestModel(t, testConfig())
	dst, err := New(testConfig())
	require.NoError(t, err)

	sd := src.StateDict()
	delete(sd, "model.norm.weight")
	sd["extra.weight"] = ml.Zeros(ml.DTypeF32, ml.CPU, 1)

	result, err := dst.LoadStateDict(sd)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.norm.weight"}, result.Missing)
	assert.Equal(t, []string{"extra.weight"}, result.Unexpected)
	assert.Equal(t, src.Layers[1].MLP.Up.Weight.Floats(), dst.Layers[1].MLP.Up.Weight.Floats())

	sd["model.norm.weight"] = ml.Zeros(ml.DTypeF32, ml.CPU, 3)
	_, err = dst.LoadStateDict(sd)
	assert.ErrorContains(t, err, "size mismatch")
}
