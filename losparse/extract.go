package losparse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/losparse/logutil"
	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

// ErrDecomposition is returned when the singular value decomposition of a
// weight matrix does not converge.
var ErrDecomposition = errors.New("singular value decomposition did not converge")

// ErrNotLowRank is returned when extraction targets a layer that has not been
// converted to its low-rank form.
var ErrNotLowRank = errors.New("linear layer has no low-rank pair")

// ExtractLowRank splits l.Weight into a rank-k pair and a residual so that
// Weight + LoB@LoA reproduces the original weight. k is min(rank, out, in).
// The decomposition runs in float64; the factors and the residual are rounded
// to the layer's dtype.
func ExtractLowRank(l *model.Linear, rank int) error {
	if rank <= 0 {
		return fmt.Errorf("%w: rank must be positive, got %d", ErrInvalidBlockConfig, rank)
	}

	if !l.IsLowRank() {
		return fmt.Errorf("%w: weight %v", ErrNotLowRank, l.Weight.Shape())
	}

	w := l.Weight
	out, in := l.OutFeatures(), l.InFeatures()
	k := min(rank, out, in)
	if k < rank {
		slog.Warn("rank exceeds layer dimensions, clamping", "rank", rank, "shape", w.Shape(), "k", k)
	}

	a := mat.NewDense(out, in, float64s(w.Floats()))

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return fmt.Errorf("%w: weight %v", ErrDecomposition, w.Shape())
	}

	var u, v mat.Dense
	s := svd.Values(nil)
	svd.UTo(&u)
	svd.VTo(&v)

	// B = U[:, :k] * S[:k]
	b := make([]float64, out*k)
	for i := range out {
		for j := range k {
			b[i*k+j] = u.At(i, j) * s[j]
		}
	}

	// A = Vᵀ[:k, :]
	at := make([]float64, k*in)
	for i := range k {
		for j := range in {
			at[i*in+j] = v.At(j, i)
		}
	}

	loB := ml.FromFloats(w.DType().RoundFloat64(b), w.DType(), w.Device(), out, k)
	loA := ml.FromFloats(w.DType().RoundFloat64(at), w.DType(), w.Device(), k, in)

	var ba mat.Dense
	ba.Mul(mat.NewDense(out, k, float64s(loB.Floats())), mat.NewDense(k, in, float64s(loA.Floats())))
	a.Sub(a, &ba)

	copy(w.Floats(), w.DType().RoundFloat64(a.RawMatrix().Data))
	l.LoA, l.LoB = loA, loB

	logutil.Trace("extracted low-rank pair", "shape", w.Shape(), "k", k, "sigma_max", s[0], "sigma_k", s[k-1])
	return nil
}

func float64s(s []float32) []float64 {
	f64s := make([]float64, len(s))
	for i, v := range s {
		f64s[i] = float64(v)
	}
	return f64s
}

// withDevice moves l to d and returns a function that restores its original
// placement.
func withDevice(l *model.Linear, d ml.Device) (restore func()) {
	orig := l.Device()
	if d == "" || d == orig {
		return func() {}
	}

	l.To(d)
	return func() { l.To(orig) }
}

// extractAll runs ExtractLowRank over every linear layer of every block.
// Layers are independent so they are processed concurrently.
func extractAll(ctx context.Context, blocks []model.Block, cfg Config) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.numThreads())

	for i, b := range blocks {
		for _, l := range b.Linears() {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}

				defer withDevice(l.Linear, cfg.Device)()
				if err := ExtractLowRank(l.Linear, cfg.Rank); err != nil {
					return fmt.Errorf("layer %d %s: %w", i, l.Name, err)
				}
				return nil
			})
		}
	}

	return g.Wait()
}
