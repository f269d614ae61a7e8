// Package calib builds calibration samples: fixed-length token windows drawn
// from a corpus with a seed.
package calib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/exp/rand"
)

var ErrCorpusTooShort = errors.New("corpus is shorter than the sequence length")

// ReadTokens reads whitespace separated token ids.
func ReadTokens(r io.Reader) ([]int32, error) {
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanWords)

	var tokens []int32
	for s.Scan() {
		id, err := strconv.ParseInt(s.Text(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %d: %w", len(tokens), err)
		}
		tokens = append(tokens, int32(id))
	}

	return tokens, s.Err()
}

// Encoder turns text into token ids.
type Encoder interface {
	Encode(s string, addBOS bool) []int32
}

// ReadText tokenizes r line by line and concatenates the results. Empty lines
// are skipped.
func ReadText(r io.Reader, enc Encoder) ([]int32, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var tokens []int32
	for s.Scan() {
		if line := s.Text(); line != "" {
			tokens = append(tokens, enc.Encode(line, len(tokens) == 0)...)
		}
	}

	return tokens, s.Err()
}

// Windows draws n windows of seqLen consecutive tokens at seeded random
// offsets. The same seed always yields the same windows.
func Windows(tokens []int32, n, seqLen int, seed uint64) ([][]int32, error) {
	if n <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("invalid calibration shape %dx%d", n, seqLen)
	}

	if len(tokens) < seqLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrCorpusTooShort, len(tokens), seqLen)
	}

	r := rand.New(rand.NewSource(seed))
	samples := make([][]int32, n)
	for i := range samples {
		start := r.Intn(len(tokens) - seqLen + 1)
		samples[i] = append([]int32(nil), tokens[start:start+seqLen]...)
	}

	return samples, nil
}

// Chunks splits tokens into consecutive non-overlapping windows of seqLen
// tokens. A trailing remainder shorter than seqLen is dropped.
func Chunks(tokens []int32, seqLen int) ([][]int32, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("invalid sequence length %d", seqLen)
	}

	if len(tokens) < seqLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrCorpusTooShort, len(tokens), seqLen)
	}

	samples := make([][]int32, len(tokens)/seqLen)
	for i := range samples {
		samples[i] = append([]int32(nil), tokens[i*seqLen:(i+1)*seqLen]...)
	}
	return samples, nil
}

// Random returns n samples of seqLen tokens drawn uniformly from [0, vocab).
func Random(n, seqLen, vocab int, seed uint64) [][]int32 {
	r := rand.New(rand.NewSource(seed))
	samples := make([][]int32, n)
	for i := range samples {
		samples[i] = make([]int32, seqLen)
		for j := range samples[i] {
			samples[i][j] = int32(r.Intn(vocab))
		}
	}
	return samples
}
