package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/losparse/convert"
	"github.com/ollama/losparse/losparse"
	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

func writeTestModel(t *testing.T, seed uint64) string {
	t.Helper()

	m, err := model.New(model.Config{
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
	})
	require.NoError(t, err)
	m.InitWeights(seed, 0.3)

	dir := t.TempDir()
	require.NoError(t, convert.WriteModel(dir, m))
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOSPARSE_NOPROGRESS", "1")

	var b bytes.Buffer
	cmd := NewCLI()
	cmd.SetArgs(args)
	cmd.SetOut(&b)
	cmd.SetErr(io.Discard)
	err := cmd.ExecuteContext(context.Background())
	return b.String(), err
}

func TestCompress(t *testing.T) {
	cases := []struct {
		name  string
		args  []string
		ratio float64
	}{
		{"unstructured", []string{"--sparsity", "0.5"}, 0.5},
		{"semistructured", []string{"--prune-type", "semistructured", "--n", "1", "--m", "4"}, 0.75},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeTestModel(t, 1)
			out := filepath.Join(t.TempDir(), "compressed")

			args := append([]string{"compress", dir, "-o", out, "--rank", "2", "--samples", "2", "--seqlen", "4", "--eval"}, tt.args...)
			stdout, err := run(t, args...)
			require.NoError(t, err)
			assert.Contains(t, stdout, "model.layers.1.mlp.down_proj")
			assert.Contains(t, stdout, "perplexity: ")

			m, err := convert.LoadModel(out)
			require.NoError(t, err)
			assert.Equal(t, 2, m.Rank)
			assert.GreaterOrEqual(t, losparse.Overall(losparse.Report(m)), tt.ratio)
		})
	}
}

func TestCompressCalibrationTokens(t *testing.T) {
	dir := writeTestModel(t, 1)

	tokens := filepath.Join(t.TempDir(), "tokens.txt")
	require.NoError(t, os.WriteFile(tokens, []byte(strings.Repeat("0 1 2 3 4 5 6 7 8 9 10 11 12 13 14 15\n", 2)), 0o644))

	out := filepath.Join(t.TempDir(), "compressed")
	_, err := run(t, "compress", dir, "-o", out, "--rank", "2", "--samples", "3", "--seqlen", "5", "--calib-tokens", tokens, "--report=false")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(tokens, []byte("1 2 3 99 4 5"), 0o644))
	_, err = run(t, "compress", dir, "-o", out, "--rank", "2", "--samples", "1", "--seqlen", "2", "--calib-tokens", tokens)
	assert.ErrorContains(t, err, "outside the vocabulary")
}

func TestCompressModelPool(t *testing.T) {
	first := writeTestModel(t, 1)
	second := writeTestModel(t, 2)
	out := filepath.Join(t.TempDir(), "compressed")

	_, err := run(t, "compress", "math="+first, "code="+second, "-o", out, "--rank", "2", "--samples", "2", "--seqlen", "4", "--report=false")
	require.NoError(t, err)

	got, err := convert.LoadModel(out)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Rank)

	// the first model was compressed, not the second
	want, err := convert.LoadModel(first)
	require.NoError(t, err)
	assert.Equal(t, want.TokenEmbedding.Floats(), got.TokenEmbedding.Floats())

	_, err = run(t, "compress", "math="+first, "math="+second, "-o", out)
	assert.ErrorContains(t, err, "duplicate model name")
}

func TestCompressAllWindows(t *testing.T) {
	dir := writeTestModel(t, 1)

	tokens := filepath.Join(t.TempDir(), "tokens.txt")
	require.NoError(t, os.WriteFile(tokens, []byte("0 1 2 3 4 5 6 7 8 9 10"), 0o644))

	out := filepath.Join(t.TempDir(), "compressed")
	_, err := run(t, "compress", dir, "-o", out, "--rank", "2", "--samples", "0", "--seqlen", "4", "--calib-tokens", tokens, "--report=false")
	require.NoError(t, err)

	_, err = run(t, "compress", dir, "-o", filepath.Join(t.TempDir(), "random"), "--samples", "0")
	assert.ErrorContains(t, err, "--samples 0")
}

func TestCompressInvalidConfig(t *testing.T) {
	dir := writeTestModel(t, 1)
	out := filepath.Join(t.TempDir(), "compressed")

	_, err := run(t, "compress", dir, "-o", out, "--sparsity", "1.5")
	assert.True(t, errors.Is(err, losparse.ErrInvalidBlockConfig), err)

	_, err = run(t, "compress", dir, "-o", out, "--variant", "sparsegpt")
	assert.True(t, errors.Is(err, losparse.ErrUnsupportedVariant), err)

	_, err = run(t, "compress", dir, "-o", out, "--device-map", "model.layers=tpu")
	assert.True(t, errors.Is(err, ml.ErrDeviceMapping), err)

	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestShow(t *testing.T) {
	dir := writeTestModel(t, 1)

	stdout, err := run(t, "show", dir, "--tensors", "--sparsity")
	require.NoError(t, err)
	assert.Contains(t, stdout, "LlamaForCausalLM")
	assert.Contains(t, stdout, "model.layers.0.mlp.up_proj.weight")
	assert.Contains(t, stdout, "12x8")
	assert.Regexp(t, `size\s+\d+\.\d KB`, stdout)
	assert.Contains(t, stdout, "sparsity: 0.00%")

	_, err = run(t, "show", t.TempDir())
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	pre := writeTestModel(t, 1)
	a := writeTestModel(t, 2)
	b := writeTestModel(t, 3)
	out := filepath.Join(t.TempDir(), "merged")

	stdout, err := run(t, "merge", "--pretrained", pre, "a="+a, "b="+b, "-o", out, "--exclude", "*norm*")
	require.NoError(t, err)
	assert.Contains(t, stdout, "merged a, b into")

	m, err := convert.LoadModel(out)
	require.NoError(t, err)
	assert.Zero(t, m.Rank)

	_, err = run(t, "merge", "a="+a, "-o", out)
	assert.ErrorContains(t, err, "pretrained model is required")
}
