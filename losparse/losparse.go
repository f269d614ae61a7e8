// Package losparse compresses decoder-only transformers by extracting a
// low-rank pair from every linear layer and pruning the residual weights with
// activation-aware importance scores, calibrated one block at a time.
package losparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"

	"golang.org/x/exp/rand"

	"github.com/ollama/losparse/logutil"
	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

type Config struct {
	// NumSamples is the number of calibration samples used. Zero uses all of
	// them; otherwise a seeded subset is drawn.
	NumSamples int
	Seed       uint64

	Rank int

	PruneType PruneType
	// SparsityRatio applies to unstructured pruning.
	SparsityRatio float64
	// N and M apply to semistructured pruning: keep N of every M weights.
	N, M int

	Variant Variant

	// Device, if set, is where low-rank extraction runs. Layers are returned
	// to their original device afterwards.
	Device ml.Device

	// NumThreads bounds concurrent extraction. Zero means one per CPU.
	NumThreads int

	// Progress, if set, is called after each block with the number of
	// blocks done.
	Progress func(done, total int)
}

// Validate checks cfg before any work is done.
func (cfg Config) Validate() error {
	if cfg.Rank <= 0 {
		return fmt.Errorf("%w: rank must be positive, got %d", ErrInvalidBlockConfig, cfg.Rank)
	}

	if cfg.NumSamples < 0 {
		return fmt.Errorf("%w: negative sample count %d", ErrInvalidBlockConfig, cfg.NumSamples)
	}

	switch cfg.PruneType {
	case Unstructured:
		if cfg.SparsityRatio < 0 || cfg.SparsityRatio > 1 {
			return fmt.Errorf("%w: sparsity ratio %v is outside [0, 1]", ErrInvalidBlockConfig, cfg.SparsityRatio)
		}
	case Semistructured:
		if cfg.N <= 0 || cfg.M <= 0 || cfg.N > cfg.M {
			return fmt.Errorf("%w: %d:%d", ErrInvalidBlockConfig, cfg.N, cfg.M)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBlockConfig, cfg.PruneType)
	}

	if cfg.Variant != VariantWanda {
		return fmt.Errorf("%w: %s", ErrUnsupportedVariant, cfg.Variant)
	}

	if cfg.Device != "" {
		if _, err := ml.ParseDevice(string(cfg.Device)); err != nil {
			return err
		}
	}

	return nil
}

func (cfg Config) numThreads() int {
	if cfg.NumThreads > 0 {
		return cfg.NumThreads
	}
	return runtime.NumCPU()
}

func (cfg Config) prune(weight, score *ml.Tensor) error {
	switch cfg.PruneType {
	case Semistructured:
		return PruneSemistructured(weight, score, cfg.N, cfg.M)
	default:
		return PruneUnstructured(weight, score, cfg.SparsityRatio)
	}
}

// Stage is a step of the per-block state machine.
type Stage int

const (
	AwaitingInput Stage = iota
	PreHookForward
	ScoreComputed
	Pruned
	PostForward
	Done
)

func (s Stage) String() string {
	switch s {
	case AwaitingInput:
		return "awaiting_input"
	case PreHookForward:
		return "pre_hook_forward"
	case ScoreComputed:
		return "score_computed"
	case Pruned:
		return "pruned"
	case PostForward:
		return "post_forward"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// calibration holds the per-sample hidden states flowing between blocks.
// inps is read by the current block and outs written; swap hands outs to the
// next block without copying.
type calibration struct {
	inps, outs *ml.Tensor
	mask       *ml.Tensor
	positions  *ml.Tensor
}

func (c *calibration) swap() {
	c.inps, c.outs = c.outs, c.inps
}

// to moves every buffer to d.
func (c *calibration) to(d ml.Device) {
	c.inps = c.inps.To(d)
	c.outs = c.outs.To(d)
	c.mask = c.mask.To(d)
	c.positions = c.positions.To(d)
}

func (c *calibration) numSamples() int {
	return c.inps.Dim(0)
}

// prepareCalibration embeds samples into inps [n, seq, hidden] on the device
// the first block lives on.
func prepareCalibration(m *model.Llama, samples [][]int32, device ml.Device) (*calibration, error) {
	if len(samples) == 0 {
		return nil, errors.New("no calibration samples")
	}

	seqLen := len(samples[0])
	if seqLen == 0 {
		return nil, errors.New("empty calibration sample")
	}

	inps := ml.Zeros(m.DType, device, len(samples), seqLen, m.HiddenSize)
	for i, sample := range samples {
		if len(sample) != seqLen {
			return nil, fmt.Errorf("calibration sample %d has %d tokens, expected %d", i, len(sample), seqLen)
		}

		hidden, err := m.Embed(sample)
		if err != nil {
			return nil, fmt.Errorf("calibration sample %d: %w", i, err)
		}

		if err := inps.Index(i).CopyFrom(hidden.To(device)); err != nil {
			return nil, err
		}
	}

	return &calibration{
		inps:      inps,
		outs:      ml.Zeros(m.DType, device, inps.Shape()...),
		mask:      model.CausalMask(seqLen, device),
		positions: model.Positions(seqLen, device),
	}, nil
}

// selectSamples draws n samples with a seeded shuffle, keeping their order
// of appearance.
func selectSamples(samples [][]int32, n int, seed uint64) [][]int32 {
	if n == 0 || n >= len(samples) {
		if n > len(samples) {
			slog.Warn("fewer calibration samples than requested", "requested", n, "available", len(samples))
		}
		return samples
	}

	r := rand.New(rand.NewSource(seed))
	picked := r.Perm(len(samples))[:n]
	slices.Sort(picked)

	selected := make([][]int32, n)
	for i, j := range picked {
		selected[i] = samples[j]
	}
	return selected
}

type pipeline struct {
	cfg       Config
	blocks    []model.Block
	deviceMap ml.DeviceMap
	buffers   *calibration
}

// device returns where block i runs. With a device map the block's declared
// placement is authoritative and must resolve.
func (p *pipeline) device(i int, b model.Block) (ml.Device, error) {
	if len(p.deviceMap) == 0 {
		return b.Device(), nil
	}

	return p.deviceMap.Resolve(fmt.Sprintf("model.layers.%d", i))
}

// forward runs every calibration sample through b one at a time, writing the
// results into outs.
func (p *pipeline) forward(b model.Block) error {
	buf := p.buffers
	seqLen, hidden := buf.inps.Dim(1), buf.inps.Dim(2)
	for j := range buf.numSamples() {
		x, err := buf.inps.Index(j).Reshape(1, seqLen, hidden)
		if err != nil {
			return err
		}

		y, err := b.Forward(x, buf.mask, buf.positions)
		if err != nil {
			return fmt.Errorf("sample %d: %w", j, err)
		}

		if err := buf.outs.Index(j).CopyFrom(y); err != nil {
			return fmt.Errorf("sample %d: %w", j, err)
		}
	}

	return nil
}

func (p *pipeline) stage(i int, s Stage) {
	logutil.Trace("block stage", "block", i, "stage", s)
}

// processBlock calibrates, prunes and re-runs block i. Observers are bound
// only for the first forward pass and are always released.
func (p *pipeline) processBlock(i int, b model.Block) error {
	p.stage(i, AwaitingInput)
	dev, err := p.device(i, b)
	if err != nil {
		return err
	}
	p.buffers.to(dev)

	linears := b.Linears()
	collectors := make([]*Collector, len(linears))
	for j, l := range linears {
		collectors[j] = NewCollector(l.Linear, p.cfg.Variant)
	}

	scores, err := func() ([]*ml.Tensor, error) {
		defer func() {
			for _, c := range collectors {
				c.Unbind()
			}
		}()

		for _, c := range collectors {
			c.Bind()
		}

		p.stage(i, PreHookForward)
		if err := p.forward(b); err != nil {
			return nil, err
		}

		scores := make([]*ml.Tensor, len(collectors))
		for j, c := range collectors {
			score, err := c.Compute()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", linears[j].Name, err)
			}

			logutil.Trace("importance scores", "block", i, "layer", linears[j].Name, "scores", ml.DumpValue(score))
			scores[j] = score
		}
		return scores, nil
	}()
	if err != nil {
		return err
	}
	p.stage(i, ScoreComputed)

	for j, l := range linears {
		if err := p.cfg.prune(l.Weight, scores[j]); err != nil {
			return fmt.Errorf("%s: %w", l.Name, err)
		}
	}
	p.stage(i, Pruned)

	if err := p.forward(b); err != nil {
		return err
	}
	p.stage(i, PostForward)

	p.buffers.swap()
	p.stage(i, Done)
	return nil
}

// inputDevice is where calibration inputs are embedded: the override device if
// one is set, otherwise the device of the first block.
func (p *pipeline) inputDevice(m *model.Llama) (ml.Device, error) {
	if p.cfg.Device != "" {
		return p.cfg.Device, nil
	}

	if len(p.blocks) == 0 {
		return m.TokenEmbedding.Device(), nil
	}
	return p.device(0, p.blocks[0])
}

func (p *pipeline) run(ctx context.Context) error {
	for i, b := range p.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.processBlock(i, b); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}

		slog.Debug("pruned block", "block", i, "device", b.Device())
		if p.cfg.Progress != nil {
			p.cfg.Progress(i+1, len(p.blocks))
		}
	}

	return nil
}

// Compress converts m to its low-rank form, extracts a low-rank pair from
// every linear layer of every block and prunes the residual weights using
// statistics gathered from samples. m is modified in place and returned.
// Any error leaves m in an unusable state.
func Compress(ctx context.Context, m *model.Llama, samples [][]int32, cfg Config) (*model.Llama, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if m.Architecture != "" && m.Architecture != "LlamaForCausalLM" {
		slog.Warn("model architecture is not LlamaForCausalLM, continuing", "architecture", m.Architecture)
	}

	samples = selectSamples(samples, cfg.NumSamples, cfg.Seed)

	if err := model.ConvertToLowRank(m, cfg.Rank); err != nil {
		return nil, err
	}

	blocks := m.Blocks()
	p := pipeline{cfg: cfg, blocks: blocks, deviceMap: m.DeviceMap()}

	first, err := p.inputDevice(m)
	if err != nil {
		return nil, err
	}

	p.buffers, err = prepareCalibration(m, samples, first)
	if err != nil {
		return nil, err
	}

	slog.Info("extracting low-rank pairs", "blocks", len(blocks), "rank", cfg.Rank, "device", cfg.Device)
	if err := extractAll(ctx, blocks, cfg); err != nil {
		return nil, err
	}

	slog.Info("pruning", "type", cfg.PruneType, "variant", cfg.Variant, "samples", len(samples))
	if err := p.run(ctx); err != nil {
		return nil, err
	}

	return m, nil
}
