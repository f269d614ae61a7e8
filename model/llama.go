package model

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/losparse/ml"
)

type Config struct {
	Architecture          string
	VocabSize             int
	HiddenSize            int
	IntermediateSize      int
	NumHiddenLayers       int
	NumAttentionHeads     int
	NumKeyValueHeads      int
	MaxPositionEmbeddings int
	RMSNormEps            float32
	RopeTheta             float32
	AttentionBias         bool
	MLPBias               bool
	TieWordEmbeddings     bool

	// Rank of the low-rank pair carried by every block linear. Zero means dense.
	Rank int

	DType ml.DType
}

func (c Config) headDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

func (c Config) validate() error {
	switch {
	case c.HiddenSize <= 0, c.NumAttentionHeads <= 0, c.NumHiddenLayers < 0, c.VocabSize <= 0:
		return fmt.Errorf("invalid model config: hidden=%d heads=%d layers=%d vocab=%d", c.HiddenSize, c.NumAttentionHeads, c.NumHiddenLayers, c.VocabSize)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("invalid intermediate size %d", c.IntermediateSize)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden size %d is not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	case c.headDim()%2 != 0:
		return fmt.Errorf("head dimension %d must be even", c.headDim())
	case c.kvHeads() <= 0 || c.NumAttentionHeads%c.kvHeads() != 0:
		return fmt.Errorf("%d attention heads are not divisible by %d key/value heads", c.NumAttentionHeads, c.kvHeads())
	case c.Rank < 0:
		return fmt.Errorf("invalid rank %d", c.Rank)
	}
	return nil
}

func (c Config) kvHeads() int {
	return cmp.Or(c.NumKeyValueHeads, c.NumAttentionHeads)
}

// Block is a transformer block the calibration loop can drive.
type Block interface {
	Forward(hiddenState, mask, positions *ml.Tensor) (*ml.Tensor, error)
	// Linears returns the block's linear layers in a stable order.
	Linears() []NamedLinear
	Device() ml.Device
}

type NamedLinear struct {
	Name string
	*Linear
}

// Llama is a decoder-only transformer with Llama-style blocks.
type Llama struct {
	Config

	TokenEmbedding *ml.Tensor
	Layers         []*Layer
	OutputNorm     *ml.Tensor
	Output         *Linear

	deviceMap ml.DeviceMap
}

type Option func(*options)

type options struct {
	deviceMap ml.DeviceMap
	device    ml.Device
}

// WithDeviceMap places modules according to m.
func WithDeviceMap(m ml.DeviceMap) Option {
	return func(o *options) { o.deviceMap = m }
}

// WithDevice places every module on d. Ignored when a device map is given.
func WithDevice(d ml.Device) Option {
	return func(o *options) { o.device = d }
}

// New allocates a zero-initialized model.
func New(c Config, opts ...Option) (*Llama, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	o := options{device: ml.CPU}
	for _, opt := range opts {
		opt(&o)
	}

	place := func(path string) (ml.Device, error) {
		if len(o.deviceMap) > 0 {
			return o.deviceMap.Resolve(path)
		}
		return o.device, nil
	}

	m := Llama{Config: c, Layers: make([]*Layer, c.NumHiddenLayers), deviceMap: o.deviceMap}

	dev, err := place("model.embed_tokens")
	if err != nil {
		return nil, err
	}
	m.TokenEmbedding = ml.Zeros(c.DType, dev, c.VocabSize, c.HiddenSize)

	for i := range m.Layers {
		dev, err := place(fmt.Sprintf("model.layers.%d", i))
		if err != nil {
			return nil, err
		}
		m.Layers[i] = newLayer(c, dev)
	}

	dev, err = place("model.norm")
	if err != nil {
		return nil, err
	}
	m.OutputNorm = ml.Zeros(c.DType, dev, c.HiddenSize)

	dev, err = place("lm_head")
	if err != nil {
		return nil, err
	}
	if c.TieWordEmbeddings {
		m.Output = &Linear{Weight: m.TokenEmbedding}
	} else {
		m.Output = NewLinear(c.DType, dev, c.HiddenSize, c.VocabSize, 0)
	}

	return &m, nil
}

// DeviceMap returns the map the model was placed with, if any.
func (m *Llama) DeviceMap() ml.DeviceMap {
	return m.deviceMap
}

func (m *Llama) Blocks() []Block {
	blocks := make([]Block, len(m.Layers))
	for i, l := range m.Layers {
		blocks[i] = l
	}
	return blocks
}

// Embed looks up the hidden states for tokens, returning [len(tokens), hidden]
// on the embedding's device.
func (m *Llama) Embed(tokens []int32) (*ml.Tensor, error) {
	hidden := m.HiddenSize
	out := ml.Zeros(m.DType, m.TokenEmbedding.Device(), len(tokens), hidden)
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= m.VocabSize {
			return nil, fmt.Errorf("token %d out of range [0, %d)", tok, m.VocabSize)
		}
		copy(out.Row(i), m.TokenEmbedding.Row(int(tok)))
	}
	return out, nil
}

// Forward returns logits [len(tokens), vocab] for a single sequence. Hidden
// states follow the model's placement from module to module.
func (m *Llama) Forward(tokens []int32) (*ml.Tensor, error) {
	hiddenState, err := m.Embed(tokens)
	if err != nil {
		return nil, err
	}

	hiddenState, err = hiddenState.Reshape(1, len(tokens), m.HiddenSize)
	if err != nil {
		return nil, err
	}

	for i, layer := range m.Layers {
		dev := layer.Device()
		hiddenState, err = layer.Forward(hiddenState.To(dev), CausalMask(len(tokens), dev), Positions(len(tokens), dev))
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	hiddenState, err = ml.RMSNorm(hiddenState.To(m.OutputNorm.Device()), m.OutputNorm, m.RMSNormEps)
	if err != nil {
		return nil, err
	}

	logits, err := m.Output.Forward(hiddenState.To(m.Output.Device()))
	if err != nil {
		return nil, err
	}

	return logits.Reshape(len(tokens), m.VocabSize)
}

// CausalMask returns an additive [n, n] mask with -Inf above the diagonal.
func CausalMask(n int, device ml.Device) *ml.Tensor {
	mask := ml.Zeros(ml.DTypeF32, device, n, n)
	s := mask.Floats()
	for i := range n {
		for j := i + 1; j < n; j++ {
			s[i*n+j] = float32(math.Inf(-1))
		}
	}
	return mask
}

// Positions returns position ids 0..n-1.
func Positions(n int, device ml.Device) *ml.Tensor {
	pos := ml.Zeros(ml.DTypeF32, device, n)
	for i := range pos.Floats() {
		pos.Floats()[i] = float32(i)
	}
	return pos
}

type Layer struct {
	AttentionNorm *ml.Tensor
	SelfAttention *SelfAttention
	MLPNorm       *ml.Tensor
	MLP           *MLP

	opts *Config
}

func newLayer(c Config, dev ml.Device) *Layer {
	kvDim := c.kvHeads() * c.headDim()
	linear := func(in, out int, bias bool) *Linear {
		l := NewLinear(c.DType, dev, in, out, c.Rank)
		if bias {
			l.Bias = ml.Zeros(c.DType, dev, out)
		}
		return l
	}

	return &Layer{
		AttentionNorm: ml.Zeros(c.DType, dev, c.HiddenSize),
		SelfAttention: &SelfAttention{
			Query:  linear(c.HiddenSize, c.HiddenSize, c.AttentionBias),
			Key:    linear(c.HiddenSize, kvDim, c.AttentionBias),
			Value:  linear(c.HiddenSize, kvDim, c.AttentionBias),
			Output: linear(c.HiddenSize, c.HiddenSize, c.AttentionBias),
		},
		MLPNorm: ml.Zeros(c.DType, dev, c.HiddenSize),
		MLP: &MLP{
			Gate: linear(c.HiddenSize, c.IntermediateSize, c.MLPBias),
			Up:   linear(c.HiddenSize, c.IntermediateSize, c.MLPBias),
			Down: linear(c.IntermediateSize, c.HiddenSize, c.MLPBias),
		},
		opts: &c,
	}
}

func (l *Layer) Device() ml.Device {
	return l.AttentionNorm.Device()
}

func (l *Layer) Linears() []NamedLinear {
	return []NamedLinear{
		{"self_attn.q_proj", l.SelfAttention.Query},
		{"self_attn.k_proj", l.SelfAttention.Key},
		{"self_attn.v_proj", l.SelfAttention.Value},
		{"self_attn.o_proj", l.SelfAttention.Output},
		{"mlp.gate_proj", l.MLP.Gate},
		{"mlp.up_proj", l.MLP.Up},
		{"mlp.down_proj", l.MLP.Down},
	}
}

// Forward runs the block over hiddenState [batch, seq, hidden] (or [seq, hidden]).
// mask is an additive [seq, seq] mask; nil means causal.
func (l *Layer) Forward(hiddenState, mask, positions *ml.Tensor) (*ml.Tensor, error) {
	if err := ml.SameDevice(hiddenState, mask, positions, l.AttentionNorm); err != nil {
		return nil, err
	}

	residual := hiddenState

	hiddenState, err := ml.RMSNorm(hiddenState, l.AttentionNorm, l.opts.RMSNormEps)
	if err != nil {
		return nil, err
	}

	hiddenState, err = l.SelfAttention.Forward(hiddenState, mask, positions, l.opts)
	if err != nil {
		return nil, err
	}

	if err := hiddenState.Add(residual); err != nil {
		return nil, err
	}
	residual = hiddenState

	hiddenState, err = ml.RMSNorm(hiddenState, l.MLPNorm, l.opts.RMSNormEps)
	if err != nil {
		return nil, err
	}

	hiddenState, err = l.MLP.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	if err := hiddenState.Add(residual); err != nil {
		return nil, err
	}

	return hiddenState.Cast(l.opts.DType), nil
}

type SelfAttention struct {
	Query  *Linear
	Key    *Linear
	Value  *Linear
	Output *Linear
}

func (sa *SelfAttention) Forward(hiddenState, mask, positions *ml.Tensor, opts *Config) (*ml.Tensor, error) {
	if hiddenState.Rank() < 2 {
		return nil, errors.New("attention input must have a sequence dimension")
	}

	seqLen := hiddenState.Dim(-2)
	batchSize := hiddenState.Len() / (seqLen * opts.HiddenSize)
	headDim := opts.headDim()
	numHeads, numKVHeads := opts.NumAttentionHeads, opts.kvHeads()

	if positions != nil && positions.Len() != seqLen {
		return nil, fmt.Errorf("expected %d position ids, got %d", seqLen, positions.Len())
	}

	if mask == nil {
		mask = CausalMask(seqLen, hiddenState.Device())
	} else if mask.Len() != seqLen*seqLen {
		return nil, fmt.Errorf("attention mask %v does not match sequence length %d", mask.Shape(), seqLen)
	}

	q, err := sa.Query.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	k, err := sa.Key.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	v, err := sa.Value.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	if positions == nil {
		positions = Positions(seqLen, hiddenState.Device())
	}

	ropeBase := cmp.Or(opts.RopeTheta, 10000)
	rope(q.Floats(), positions.Floats(), numHeads, headDim, ropeBase)
	rope(k.Floats(), positions.Floats(), numKVHeads, headDim, ropeBase)

	qDim, kvDim := numHeads*headDim, numKVHeads*headDim
	scale := float32(1 / math.Sqrt(float64(headDim)))
	kqv := ml.Zeros(hiddenState.DType(), hiddenState.Device(), append(hiddenState.Shape()[:hiddenState.Rank()-1], qDim)...)
	scores := make([]float32, seqLen*seqLen)
	for b := range batchSize {
		qb := q.Floats()[b*seqLen*qDim:]
		kb := k.Floats()[b*seqLen*kvDim:]
		vb := v.Floats()[b*seqLen*kvDim:]
		ob := kqv.Floats()[b*seqLen*qDim:]

		for h := range numHeads {
			kvh := h / (numHeads / numKVHeads)
			blas32.Gemm(blas.NoTrans, blas.Trans, scale,
				blas32.General{Rows: seqLen, Cols: headDim, Stride: qDim, Data: qb[h*headDim:]},
				blas32.General{Rows: seqLen, Cols: headDim, Stride: kvDim, Data: kb[kvh*headDim:]},
				0,
				blas32.General{Rows: seqLen, Cols: seqLen, Stride: seqLen, Data: scores},
			)

			for i := range seqLen {
				row := scores[i*seqLen : (i+1)*seqLen]
				for j := range row {
					row[j] += mask.Floats()[i*seqLen+j]
				}
				ml.Softmax(row)
			}

			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: seqLen, Cols: seqLen, Stride: seqLen, Data: scores},
				blas32.General{Rows: seqLen, Cols: headDim, Stride: kvDim, Data: vb[kvh*headDim:]},
				0,
				blas32.General{Rows: seqLen, Cols: headDim, Stride: qDim, Data: ob[h*headDim:]},
			)
		}
	}

	return sa.Output.Forward(kqv)
}

// rope applies rotary embeddings in place to x laid out as [..., seq, heads*headDim],
// rotating the two halves of every head.
func rope(x, positions []float32, numHeads, headDim int, base float32) {
	half := headDim / 2
	seqLen := len(positions)
	rowLen := numHeads * headDim
	for r := 0; r < len(x)/rowLen; r++ {
		pos := float64(positions[r%seqLen])
		row := x[r*rowLen : (r+1)*rowLen]
		for h := range numHeads {
			head := row[h*headDim : (h+1)*headDim]
			for i := range half {
				theta := pos * math.Pow(float64(base), -float64(2*i)/float64(headDim))
				sin, cos := math.Sincos(theta)
				x1, x2 := float64(head[i]), float64(head[i+half])
				head[i] = float32(x1*cos - x2*sin)
				head[i+half] = float32(x2*cos + x1*sin)
			}
		}
	}
}

type MLP struct {
	Up   *Linear
	Down *Linear
	Gate *Linear
}

func (mlp *MLP) Forward(hiddenState *ml.Tensor) (*ml.Tensor, error) {
	gate, err := mlp.Gate.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	up, err := mlp.Up.Forward(hiddenState)
	if err != nil {
		return nil, err
	}

	if err := gate.SILU().Mul(up); err != nil {
		return nil, err
	}

	return mlp.Down.Forward(gate)
}

// InitWeights fills the model with normal(0, std) weights and unit norms, the
// usual initialization for freshly constructed decoder models.
func (m *Llama) InitWeights(seed uint64, std float64) {
	r := rand.New(rand.NewSource(seed))
	m.params(func(name string, t *ml.Tensor) {
		s := t.Floats()
		if strings.HasSuffix(name, "norm.weight") {
			for i := range s {
				s[i] = 1
			}
			return
		}

		if strings.HasSuffix(name, ".lo_A") || strings.HasSuffix(name, ".lo_B") || strings.HasSuffix(name, ".bias") {
			clear(s)
			return
		}

		for i := range s {
			s[i] = float32(r.NormFloat64() * std)
		}
		t.Cast(m.DType)
	})
}
