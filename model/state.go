package model

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ollama/losparse/ml"
)

// ErrUnexpectedWeightKey is returned when a state dict carries weights the
// target architecture has no place for.
var ErrUnexpectedWeightKey = errors.New("unexpected weight keys")

// StateDict maps parameter names (Hugging Face layout) to tensors.
type StateDict map[string]*ml.Tensor

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type LoadResult struct {
	Missing    []string
	Unexpected []string
}

func linearParams(prefix string, l *Linear, fn func(string, *ml.Tensor)) {
	fn(prefix+".weight", l.Weight)
	if l.Bias != nil {
		fn(prefix+".bias", l.Bias)
	}
	if l.IsLowRank() {
		fn(prefix+".lo_A", l.LoA)
		fn(prefix+".lo_B", l.LoB)
	}
}

func (m *Llama) params(fn func(string, *ml.Tensor)) {
	fn("model.embed_tokens.weight", m.TokenEmbedding)
	for i, layer := range m.Layers {
		prefix := fmt.Sprintf("model.layers.%d", i)
		fn(prefix+".input_layernorm.weight", layer.AttentionNorm)
		fn(prefix+".post_attention_layernorm.weight", layer.MLPNorm)
		for _, l := range layer.Linears() {
			linearParams(prefix+"."+l.Name, l.Linear, fn)
		}
	}
	fn("model.norm.weight", m.OutputNorm)
	if !m.TieWordEmbeddings {
		linearParams("lm_head", m.Output, fn)
	}
}

// StateDict returns the model's parameters. The tensors are shared, not copied.
func (m *Llama) StateDict() StateDict {
	sd := make(StateDict)
	m.params(func(name string, t *ml.Tensor) { sd[name] = t })
	return sd
}

// NumParameters counts the elements of all parameters.
func (m *Llama) NumParameters() (n int) {
	m.params(func(_ string, t *ml.Tensor) { n += t.Len() })
	return n
}

// LoadStateDict copies matching tensors from sd into the model, casting them to
// the model's dtype. Keys that exist on only one side are reported rather than
// treated as errors; size mismatches are errors.
func (m *Llama) LoadStateDict(sd StateDict) (LoadResult, error) {
	var result LoadResult
	seen := make(map[string]struct{}, len(sd))

	var errs []error
	m.params(func(name string, dst *ml.Tensor) {
		src, ok := sd[name]
		if !ok {
			result.Missing = append(result.Missing, name)
			return
		}
		seen[name] = struct{}{}

		if !slices.Equal(src.Shape(), dst.Shape()) {
			errs = append(errs, fmt.Errorf("size mismatch for %s: copying %v into %v", name, src.Shape(), dst.Shape()))
			return
		}

		copy(dst.Floats(), src.Floats())
		dst.Cast(m.DType)
	})

	for _, name := range sd.Keys() {
		if _, ok := seen[name]; !ok {
			result.Unexpected = append(result.Unexpected, name)
		}
	}

	return result, errors.Join(errs...)
}

// ConvertToLowRank rebuilds m in place with rank-k low-rank linears in every
// block. All existing weights are carried over; weights the low-rank
// architecture cannot hold are an error. The new low-rank pairs start at zero.
func ConvertToLowRank(m *Llama, rank int) error {
	if rank <= 0 {
		return fmt.Errorf("invalid rank %d", rank)
	}

	c := m.Config
	c.Rank = rank

	var opts []Option
	if len(m.deviceMap) > 0 {
		opts = append(opts, WithDeviceMap(m.deviceMap))
	} else {
		opts = append(opts, WithDevice(m.TokenEmbedding.Device()))
	}

	converted, err := New(c, opts...)
	if err != nil {
		return err
	}

	result, err := converted.LoadStateDict(m.StateDict())
	if err != nil {
		return err
	}

	if len(result.Unexpected) > 0 {
		return fmt.Errorf("%w: %s", ErrUnexpectedWeightKey, strings.Join(result.Unexpected, ", "))
	}

	slog.Debug("converted to low-rank architecture", "rank", rank, "initialized", len(result.Missing))
	*m = *converted
	return nil
}
