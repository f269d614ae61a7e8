// Package merge combines independently fine-tuned checkpoints of one
// pretrained model into a single model.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
)

// ErrParameterMismatch is returned when checkpoints do not share parameter
// names and shapes.
var ErrParameterMismatch = errors.New("parameter names do not match")

// checkParameters verifies every state dict has the same keys and shapes as
// the first.
func checkParameters(sds ...model.StateDict) error {
	want := sds[0].Keys()
	for i, sd := range sds[1:] {
		got := sd.Keys()
		if !slices.Equal(want, got) {
			var missing, extra []string
			for _, k := range want {
				if _, ok := sd[k]; !ok {
					missing = append(missing, k)
				}
			}
			for _, k := range got {
				if _, ok := sds[0][k]; !ok {
					extra = append(extra, k)
				}
			}
			return fmt.Errorf("%w: checkpoint %d missing %v, unexpected %v", ErrParameterMismatch, i+1, missing, extra)
		}

		for _, k := range want {
			if !slices.Equal(sds[0][k].Shape(), sd[k].Shape()) {
				return fmt.Errorf("%w: checkpoint %d %s has shape %v, expected %v", ErrParameterMismatch, i+1, k, sd[k].Shape(), sds[0][k].Shape())
			}
		}
	}

	return nil
}

func excluded(key string, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, _ := path.Match(pattern, key); ok || pattern == key {
			return true
		}
	}
	return false
}

// taskVector returns ft - pre in float64.
func taskVector(pre, ft *ml.Tensor) []float64 {
	p, f := pre.Floats(), ft.Floats()
	tv := make([]float64, len(p))
	for i := range p {
		tv[i] = float64(f[i]) - float64(p[i])
	}
	return tv
}

// orthogonalize returns the closest matrix with orthonormal columns (or rows,
// when wide) to a, U Vᵀ of its singular value decomposition.
func orthogonalize(a mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, errors.New("singular value decomposition did not converge")
	}

	var u, v, p mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	p.Mul(&u, v.T())
	return &p, nil
}

// singularVectors merges the 2-D task vectors of one parameter. Each task keeps
// its leading min(rows, cols)/T singular triplets; the concatenated singular
// vectors are orthogonalized before recombination.
func singularVectors(tvs [][]float64, rows, cols int) ([]float64, error) {
	tasks := len(tvs)
	k := max(1, min(rows, cols)/tasks)

	u := mat.NewDense(rows, tasks*k, nil)
	v := mat.NewDense(cols, tasks*k, nil)
	s := make([]float64, tasks*k)

	for t, tv := range tvs {
		var svd mat.SVD
		if !svd.Factorize(mat.NewDense(rows, cols, tv), mat.SVDThin) {
			return nil, fmt.Errorf("task %d: singular value decomposition did not converge", t)
		}

		var ut, vt mat.Dense
		svd.UTo(&ut)
		svd.VTo(&vt)
		values := svd.Values(nil)

		n := min(k, len(values))
		u.Slice(0, rows, t*k, t*k+n).(*mat.Dense).Copy(ut.Slice(0, rows, 0, n))
		v.Slice(0, cols, t*k, t*k+n).(*mat.Dense).Copy(vt.Slice(0, cols, 0, n))
		copy(s[t*k:], values[:n])
	}

	uo, err := orthogonalize(u)
	if err != nil {
		return nil, err
	}

	vo, err := orthogonalize(v)
	if err != nil {
		return nil, err
	}

	// U diag(S) Vᵀ
	var us, merged mat.Dense
	us.Mul(uo, mat.NewDiagDense(len(s), s))
	merged.Mul(&us, vo.T())
	return merged.RawMatrix().Data, nil
}

// mean averages task vectors incrementally.
func mean(tvs [][]float64) []float64 {
	m := make([]float64, len(tvs[0]))
	for i, tv := range tvs {
		for j := range m {
			m[j] += (tv[j] - m[j]) / float64(i+1)
		}
	}
	return m
}

// TaskSingularVectors merges fine-tuned checkpoints fts of the pretrained
// checkpoint pre with task singular vector merging. 2-D parameters are merged
// through their orthogonalized singular vectors; other parameters and those
// matching an exclude pattern (path.Match syntax) take the mean task vector.
// The result holds new tensors shaped, typed and placed like pre.
func TaskSingularVectors(pre model.StateDict, fts []model.StateDict, exclude []string) (model.StateDict, error) {
	if len(fts) == 0 {
		return nil, errors.New("no fine-tuned checkpoints to merge")
	}

	if err := checkParameters(append([]model.StateDict{pre}, fts...)...); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	merged := make(model.StateDict, len(pre))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for _, key := range pre.Keys() {
		g.Go(func() error {
			p := pre[key]
			tvs := make([][]float64, len(fts))
			for i, ft := range fts {
				tvs[i] = taskVector(p, ft[key].To(p.Device()))
			}

			var delta []float64
			if p.Rank() == 2 && !excluded(key, exclude) {
				var err error
				delta, err = singularVectors(tvs, p.Dim(0), p.Dim(1))
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			} else {
				delta = mean(tvs)
			}

			out := p.Clone()
			for i, v := range out.Floats() {
				delta[i] += float64(v)
			}
			copy(out.Floats(), p.DType().RoundFloat64(delta))

			mu.Lock()
			merged[key] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("merged task vectors", "tasks", len(fts), "parameters", len(merged))
	return merged, nil
}
