// Package convert reads and writes Hugging Face style checkpoints: a
// config.json next to safetensors or PyTorch weight shards.
package convert

import (
	"bufio"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

const (
	llamaArchitecture   = "LlamaForCausalLM"
	lowRankArchitecture = "LoSparseLlamaForCausalLM"
)

// ErrMissingWeights is returned when a checkpoint lacks parameters the model
// needs.
var ErrMissingWeights = errors.New("missing weights")

type ModelParameters struct {
	Architectures         []string        `json:"architectures"`
	VocabSize             uint32          `json:"vocab_size"`
	HiddenSize            uint32          `json:"hidden_size"`
	IntermediateSize      uint32          `json:"intermediate_size"`
	NumHiddenLayers       uint32          `json:"num_hidden_layers"`
	NumAttentionHeads     uint32          `json:"num_attention_heads"`
	NumKeyValueHeads      uint32          `json:"num_key_value_heads,omitempty"`
	MaxPositionEmbeddings uint32          `json:"max_position_embeddings,omitempty"`
	RMSNormEPS            float32         `json:"rms_norm_eps"`
	RopeTheta             float32         `json:"rope_theta,omitempty"`
	RopeScaling           json.RawMessage `json:"rope_scaling,omitempty"`
	AttentionBias         bool            `json:"attention_bias"`
	MLPBias               bool            `json:"mlp_bias"`
	TieWordEmbeddings     bool            `json:"tie_word_embeddings"`
	TorchDType            string          `json:"torch_dtype,omitempty"`

	// Rank is set for checkpoints carrying low-rank pairs.
	Rank uint32 `json:"rank,omitempty"`
}

// ReadParameters decodes config.json from fsys.
func ReadParameters(fsys fs.FS) (ModelParameters, error) {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return ModelParameters{}, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return ModelParameters{}, fmt.Errorf("config.json: %w", err)
	}

	return p, nil
}

// Config maps the parameters onto a model configuration. Architectures other
// than Llama are accepted with a warning since many share its layout.
func (p ModelParameters) Config() (model.Config, error) {
	var arch string
	if len(p.Architectures) > 0 {
		arch = p.Architectures[0]
	}

	switch arch {
	case llamaArchitecture:
	case lowRankArchitecture:
		arch = llamaArchitecture
		if p.Rank == 0 {
			return model.Config{}, fmt.Errorf("%s checkpoint without a rank", lowRankArchitecture)
		}
	default:
		slog.Warn("unsupported architecture, loading as llama", "architecture", arch)
	}

	if len(p.RopeScaling) > 0 && string(p.RopeScaling) != "null" {
		slog.Warn("rope_scaling is not supported and will be ignored")
	}

	dtype := ml.DTypeF32
	if p.TorchDType != "" {
		var err error
		dtype, err = ml.ParseDType(p.TorchDType)
		if err != nil {
			return model.Config{}, err
		}
	}

	return model.Config{
		Architecture:          arch,
		VocabSize:             int(p.VocabSize),
		HiddenSize:            int(p.HiddenSize),
		IntermediateSize:      int(p.IntermediateSize),
		NumHiddenLayers:       int(p.NumHiddenLayers),
		NumAttentionHeads:     int(p.NumAttentionHeads),
		NumKeyValueHeads:      int(p.NumKeyValueHeads),
		MaxPositionEmbeddings: int(p.MaxPositionEmbeddings),
		RMSNormEps:            cmp.Or(p.RMSNormEPS, 1e-6),
		RopeTheta:             cmp.Or(p.RopeTheta, 10000),
		AttentionBias:         p.AttentionBias,
		MLPBias:               p.MLPBias,
		TieWordEmbeddings:     p.TieWordEmbeddings,
		Rank:                  int(p.Rank),
		DType:                 dtype,
	}, nil
}

// Parameters is the inverse of [ModelParameters.Config].
func Parameters(c model.Config) ModelParameters {
	arch := cmp.Or(c.Architecture, llamaArchitecture)
	if c.Rank > 0 {
		arch = lowRankArchitecture
	}

	var dtype string
	switch c.DType {
	case ml.DTypeF16:
		dtype = "float16"
	case ml.DTypeBF16:
		dtype = "bfloat16"
	default:
		dtype = "float32"
	}

	return ModelParameters{
		Architectures:         []string{arch},
		VocabSize:             uint32(c.VocabSize),
		HiddenSize:            uint32(c.HiddenSize),
		IntermediateSize:      uint32(c.IntermediateSize),
		NumHiddenLayers:       uint32(c.NumHiddenLayers),
		NumAttentionHeads:     uint32(c.NumAttentionHeads),
		NumKeyValueHeads:      uint32(c.NumKeyValueHeads),
		MaxPositionEmbeddings: uint32(c.MaxPositionEmbeddings),
		RMSNormEPS:            c.RMSNormEps,
		RopeTheta:             c.RopeTheta,
		AttentionBias:         c.AttentionBias,
		MLPBias:               c.MLPBias,
		TieWordEmbeddings:     c.TieWordEmbeddings,
		TorchDType:            dtype,
		Rank:                  uint32(c.Rank),
	}
}

// ReadStateDict reads every tensor of the checkpoint in dir. Shards are decoded
// concurrently.
func ReadStateDict(dir string) (model.StateDict, error) {
	return readStateDict(os.DirFS(dir), dir)
}

func readStateDict(fsys fs.FS, dir string) (model.StateDict, error) {
	ts, err := parseTensors(fsys, dir)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	sd := make(model.StateDict, len(ts))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, t := range ts {
		g.Go(func() error {
			f32s, err := t.Floats()
			if err != nil {
				return fmt.Errorf("%s: %w", t.Name(), err)
			}

			if len(f32s) != numel(t.Shape()) {
				return fmt.Errorf("%s: shape %v does not match %d values", t.Name(), t.Shape(), len(f32s))
			}

			mu.Lock()
			defer mu.Unlock()
			sd[t.Name()] = ml.FromFloats(f32s, t.DType(), ml.CPU, t.Shape()...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return sd, nil
}

// LoadModel builds a model from the checkpoint in dir.
func LoadModel(dir string, opts ...model.Option) (*model.Llama, error) {
	return loadModel(os.DirFS(dir), dir, opts...)
}

func loadModel(fsys fs.FS, dir string, opts ...model.Option) (*model.Llama, error) {
	p, err := ReadParameters(fsys)
	if err != nil {
		return nil, err
	}

	c, err := p.Config()
	if err != nil {
		return nil, err
	}

	sd, err := readStateDict(fsys, dir)
	if err != nil {
		return nil, err
	}

	m, err := model.New(c, opts...)
	if err != nil {
		return nil, err
	}

	result, err := m.LoadStateDict(sd)
	if err != nil {
		return nil, err
	}

	if len(result.Missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeights, strings.Join(result.Missing, ", "))
	}

	if len(result.Unexpected) > 0 {
		slog.Warn("ignoring unexpected weights", "count", len(result.Unexpected), "first", result.Unexpected[0])
	}

	slog.Debug("loaded model", "dir", dir, "architecture", c.Architecture, "parameters", m.NumParameters(), "dtype", c.DType)
	return m, nil
}

// WriteModel writes m to dir as config.json and model.safetensors.
func WriteModel(dir string, m *model.Llama) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	bts, err := json.MarshalIndent(Parameters(m.Config), "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), append(bts, '\n'), 0o644); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := WriteSafetensors(w, cpu(m.StateDict()), map[string]string{"format": "pt"}); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	return f.Close()
}

// cpu gathers every tensor of sd onto the host.
func cpu(sd model.StateDict) model.StateDict {
	out := make(model.StateDict, len(sd))
	for k, t := range sd {
		out[k] = t.To(ml.CPU)
	}
	return out
}

// TensorInfo describes one tensor without its data.
type TensorInfo struct {
	Name  string
	Shape []int
	DType ml.DType
}

// Inspect lists the tensors of the checkpoint in dir without reading them.
func Inspect(dir string) ([]TensorInfo, error) {
	ts, err := parseTensors(os.DirFS(dir), dir)
	if err != nil {
		return nil, err
	}

	infos := make([]TensorInfo, len(ts))
	for i, t := range ts {
		infos[i] = TensorInfo{Name: t.Name(), Shape: t.Shape(), DType: t.DType()}
	}

	slices.SortFunc(infos, func(a, b TensorInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos, nil
}
