// Package modelpool manages a named set of checkpoints: an optional
// pretrained base model plus any number of fine-tuned models.
package modelpool

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ollama/losparse/convert"
	"github.com/ollama/losparse/model"
)

// Pretrained is the reserved name of the base model.
const Pretrained = "_pretrained_"

var (
	ErrNotFound = errors.New("model not found")
	ErrEmpty    = errors.New("model pool is empty")
)

type Entry struct {
	Name string
	Path string
}

// Loader reads the checkpoint at path.
type Loader func(path string, opts ...model.Option) (*model.Llama, error)

type Pool struct {
	entries []Entry
	load    Loader
	opts    []model.Option
}

type Option func(*Pool)

// WithLoader replaces the checkpoint loader. The default is [convert.LoadModel].
func WithLoader(l Loader) Option {
	return func(p *Pool) { p.load = l }
}

// WithModelOptions passes opts to every load.
func WithModelOptions(opts ...model.Option) Option {
	return func(p *Pool) { p.opts = append(p.opts, opts...) }
}

func New(entries []Entry, opts ...Option) (*Pool, error) {
	p := Pool{load: convert.LoadModel}
	for _, opt := range opts {
		opt(&p)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("model at %q has no name", e.Path)
		}

		if _, ok := seen[e.Name]; ok {
			return nil, fmt.Errorf("duplicate model name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}

	p.entries = slices.Clone(entries)
	return &p, nil
}

// Parse builds a pool from "name=path" arguments. A bare path is named after
// its last element.
func Parse(args []string, opts ...Option) (*Pool, error) {
	entries := make([]Entry, 0, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			name = filepath.Base(filepath.Clean(arg))
		}

		entries = append(entries, Entry{Name: strings.TrimSpace(name), Path: strings.TrimSpace(path)})
	}

	return New(entries, opts...)
}

func isSpecial(name string) bool {
	return len(name) > 1 && strings.HasPrefix(name, "_") && strings.HasSuffix(name, "_")
}

// Names returns the names of the regular models in insertion order. Special
// names such as [Pretrained] are excluded.
func (p *Pool) Names() []string {
	var names []string
	for _, e := range p.entries {
		if !isSpecial(e.Name) {
			names = append(names, e.Name)
		}
	}
	return names
}

func (p *Pool) Len() int {
	return len(p.Names())
}

func (p *Pool) HasPretrained() bool {
	return slices.ContainsFunc(p.entries, func(e Entry) bool { return e.Name == Pretrained })
}

func (p *Pool) Path(name string) (string, error) {
	i := slices.IndexFunc(p.entries, func(e Entry) bool { return e.Name == name })
	if i < 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p.entries[i].Path, nil
}

func (p *Pool) Load(name string) (*model.Llama, error) {
	path, err := p.Path(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	m, err := p.load(path, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	slog.Info("loaded model", "name", name, "path", path, "duration", time.Since(start))
	return m, nil
}

func (p *Pool) LoadPretrained() (*model.Llama, error) {
	return p.Load(Pretrained)
}

// PretrainedOrFirst names the base model if there is one, otherwise the first
// regular model.
func (p *Pool) PretrainedOrFirst() (string, error) {
	if p.HasPretrained() {
		return Pretrained, nil
	}

	names := p.Names()
	if len(names) == 0 {
		return "", ErrEmpty
	}
	return names[0], nil
}

// LoadPretrainedOrFirst loads the model named by [Pool.PretrainedOrFirst].
func (p *Pool) LoadPretrainedOrFirst() (*model.Llama, error) {
	name, err := p.PretrainedOrFirst()
	if err != nil {
		return nil, err
	}

	if name != Pretrained {
		slog.Warn("no pretrained model in the pool, using the first model", "name", name)
	}
	return p.Load(name)
}

// Models loads every regular model in order.
func (p *Pool) Models() ([]*model.Llama, error) {
	names := p.Names()
	ms := make([]*model.Llama, len(names))
	for i, name := range names {
		m, err := p.Load(name)
		if err != nil {
			return nil, err
		}
		ms[i] = m
	}
	return ms, nil
}
