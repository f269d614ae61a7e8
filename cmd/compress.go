package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/losparse/calib"
	"github.com/ollama/losparse/convert"
	"github.com/ollama/losparse/envconfig"
	"github.com/ollama/losparse/format"
	"github.com/ollama/losparse/losparse"
	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
	"github.com/ollama/losparse/modelpool"
	"github.com/ollama/losparse/progress"
	"github.com/ollama/losparse/tokenizer"
)

func compressConfig(cmd *cobra.Command) (losparse.Config, error) {
	var cfg losparse.Config
	var err error

	flags := cmd.Flags()
	if cfg.Rank, err = flags.GetInt("rank"); err != nil {
		return cfg, err
	}

	pruneType, err := flags.GetString("prune-type")
	if err != nil {
		return cfg, err
	}

	if cfg.PruneType, err = losparse.ParsePruneType(pruneType); err != nil {
		return cfg, err
	}

	if cfg.SparsityRatio, err = flags.GetFloat64("sparsity"); err != nil {
		return cfg, err
	}

	if cfg.N, err = flags.GetInt("n"); err != nil {
		return cfg, err
	}

	if cfg.M, err = flags.GetInt("m"); err != nil {
		return cfg, err
	}

	variant, err := flags.GetString("variant")
	if err != nil {
		return cfg, err
	}

	if cfg.Variant, err = losparse.ParseVariant(variant); err != nil {
		return cfg, err
	}

	if cfg.NumSamples, err = flags.GetInt("samples"); err != nil {
		return cfg, err
	}

	if cfg.Seed, err = flags.GetUint64("seed"); err != nil {
		return cfg, err
	}

	device := envconfig.Device
	if flags.Changed("device") {
		device, _ = flags.GetString("device")
	}

	if device != "" {
		if cfg.Device, err = ml.ParseDevice(device); err != nil {
			return cfg, err
		}
	}

	cfg.NumThreads = envconfig.NumThreads
	return cfg, cfg.Validate()
}

// loadSamples draws calibration samples from --calib-tokens, --calib-text or,
// with neither, uniformly random tokens. With n == 0 a corpus is split into
// consecutive windows and every window is used.
func loadSamples(cmd *cobra.Command, dir string, m *model.Llama, n int, seed uint64) ([][]int32, error) {
	seqLen, err := cmd.Flags().GetInt("seqlen")
	if err != nil {
		return nil, err
	}

	tokensFile, _ := cmd.Flags().GetString("calib-tokens")
	textFile, _ := cmd.Flags().GetString("calib-text")

	var tokens []int32
	switch {
	case tokensFile != "" && textFile != "":
		return nil, errors.New("--calib-tokens and --calib-text are mutually exclusive")
	case tokensFile != "":
		f, err := os.Open(tokensFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if tokens, err = calib.ReadTokens(f); err != nil {
			return nil, fmt.Errorf("%s: %w", tokensFile, err)
		}
	case textFile != "":
		tok, err := tokenizer.Load(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}

		f, err := os.Open(textFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if tokens, err = calib.ReadText(f, tok); err != nil {
			return nil, fmt.Errorf("%s: %w", textFile, err)
		}
	default:
		if n == 0 {
			return nil, errors.New("--samples 0 uses the whole corpus and needs --calib-tokens or --calib-text")
		}

		if seqLen <= 0 || n < 0 {
			return nil, fmt.Errorf("invalid calibration shape %dx%d", n, seqLen)
		}

		slog.Warn("no calibration data given, using random tokens")
		return calib.Random(n, seqLen, m.VocabSize, seed), nil
	}

	for i, id := range tokens {
		if id < 0 || int(id) >= m.VocabSize {
			return nil, fmt.Errorf("token %d at position %d is outside the vocabulary of %d", id, i, m.VocabSize)
		}
	}

	if n == 0 {
		return calib.Chunks(tokens, seqLen)
	}

	return calib.Windows(tokens, n, seqLen, seed)
}

func CompressHandler(cmd *cobra.Command, args []string) error {
	cfg, err := compressConfig(cmd)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	eval, _ := cmd.Flags().GetBool("eval")
	report, _ := cmd.Flags().GetBool("report")

	opts, err := modelOptions(cmd)
	if err != nil {
		return err
	}

	p := newProgress()
	if p != nil {
		defer p.Stop()
	}

	pool, err := modelpool.Parse(args, modelpool.WithModelOptions(opts...))
	if err != nil {
		return err
	}

	name, err := pool.PretrainedOrFirst()
	if err != nil {
		return err
	}

	dir, err := pool.Path(name)
	if err != nil {
		return err
	}

	if n := pool.Len(); n > 1 || (n > 0 && pool.HasPretrained()) {
		slog.Warn("compressing a single model from the pool", "name", name)
	}

	stop := spin(p, "loading model")
	m, err := pool.LoadPretrainedOrFirst()
	stop()
	if err != nil {
		return err
	}

	samples, err := loadSamples(cmd, dir, m, cfg.NumSamples, cfg.Seed)
	if err != nil {
		return err
	}

	var before float64
	if eval {
		stop := spin(p, "evaluating")
		before, err = model.Perplexity(m, samples)
		stop()
		if err != nil {
			return err
		}
	}

	if p != nil {
		bar := progress.NewBar("compressing", int64(m.NumHiddenLayers), 0)
		p.Add(bar)
		cfg.Progress = func(done, _ int) { bar.Set(int64(done)) }
	}

	start := time.Now()
	if _, err := losparse.Compress(cmd.Context(), m, samples, cfg); err != nil {
		return err
	}
	slog.Info("compressed model", "duration", time.Since(start))

	var after float64
	if eval {
		stop := spin(p, "evaluating")
		after, err = model.Perplexity(m, samples)
		stop()
		if err != nil {
			return err
		}
	}

	stop = spin(p, "writing model")
	err = convert.WriteModel(output, m)
	stop()
	if err != nil {
		return err
	}

	if p != nil {
		p.Stop()
	}

	w := cmd.OutOrStdout()
	layers := losparse.Report(m)
	if report {
		writeReport(w, layers)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "parameters: %s\n", parametersString(m.NumParameters()))
	fmt.Fprintf(w, "sparsity: %s\n", format.Percent(losparse.Overall(layers)))
	if eval {
		fmt.Fprintf(w, "perplexity: %.4f -> %.4f\n", before, after)
	}

	return nil
}
