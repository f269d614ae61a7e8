package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/losparse/envconfig"
	"github.com/ollama/losparse/format"
	"github.com/ollama/losparse/logutil"
	"github.com/ollama/losparse/losparse"
	"github.com/ollama/losparse/ml"
	"github.com/ollama/losparse/model"
	"github.com/ollama/losparse/progress"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "losparse",
		Short: "Low-rank and sparse compression for language models",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			envconfig.LoadConfig()
			logutil.SetDefault(envconfig.LogLevel())
			slog.Debug("config", "env", envconfig.Values())
		},
	}

	cobra.EnableCommandSorting = false

	compressCmd := &cobra.Command{
		Use:   "compress MODEL [NAME=MODEL...]",
		Short: "Extract low-rank pairs and prune a model",
		Long: `Extract low-rank pairs and prune a model.

Models are given as directories or NAME=DIR pairs. The model named _pretrained_
is compressed if present, otherwise the first model.`,
		Args: cobra.MinimumNArgs(1),
		RunE: CompressHandler,
	}

	compressCmd.Flags().StringP("output", "o", "", "Directory to write the compressed model to")
	compressCmd.Flags().Int("rank", 128, "Rank of the low-rank pair extracted from each linear layer")
	compressCmd.Flags().String("prune-type", "unstructured", "Pruning pattern (unstructured, semistructured)")
	compressCmd.Flags().Float64("sparsity", 0.5, "Fraction of residual weights zeroed per row (unstructured)")
	compressCmd.Flags().Int("n", 2, "Weights kept in every block of m (semistructured)")
	compressCmd.Flags().Int("m", 4, "Block size (semistructured)")
	compressCmd.Flags().String("variant", "wanda", "Importance score variant")
	compressCmd.Flags().Int("samples", 128, "Number of calibration samples, 0 uses every window of the calibration corpus")
	compressCmd.Flags().Int("seqlen", 512, "Tokens per calibration sample")
	compressCmd.Flags().Uint64("seed", 0, "Seed for calibration sampling")
	compressCmd.Flags().String("calib-tokens", "", "File of whitespace separated token ids to calibrate on")
	compressCmd.Flags().String("calib-text", "", "Text file to calibrate on, tokenized with the model's tokenizer")
	compressCmd.Flags().String("device", "", "Device for low-rank extraction (default $LOSPARSE_DEVICE)")
	compressCmd.Flags().StringSlice("device-map", nil, "Module placements as module=device (default $LOSPARSE_DEVICE_MAP)")
	compressCmd.Flags().Bool("eval", false, "Report perplexity on the calibration samples before and after")
	compressCmd.Flags().Bool("report", true, "Print the per-layer sparsity report")
	_ = compressCmd.MarkFlagRequired("output")

	mergeCmd := &cobra.Command{
		Use:   "merge NAME=MODEL [NAME=MODEL...]",
		Short: "Merge fine-tuned models with task singular vectors",
		Args:  cobra.MinimumNArgs(1),
		RunE:  MergeHandler,
	}

	mergeCmd.Flags().StringP("output", "o", "", "Directory to write the merged model to")
	mergeCmd.Flags().String("pretrained", "", "Pretrained model the fine-tuned models share")
	mergeCmd.Flags().StringSlice("exclude", nil, "Parameter names or patterns averaged instead of decomposed")
	_ = mergeCmd.MarkFlagRequired("output")

	showCmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show information for a model",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}

	showCmd.Flags().Bool("tensors", false, "List the model's tensors")
	showCmd.Flags().Bool("sparsity", false, "Load the model and report per-layer sparsity")

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["LOSPARSE_DEBUG"], envVars["LOSPARSE_NOPROGRESS"]}

	for _, cmd := range []*cobra.Command{compressCmd, mergeCmd, showCmd} {
		switch cmd {
		case compressCmd:
			appendEnvDocs(cmd, append(envs,
				envVars["LOSPARSE_DEVICE"],
				envVars["LOSPARSE_DEVICE_MAP"],
				envVars["LOSPARSE_NUM_THREADS"],
			))
		case mergeCmd:
			appendEnvDocs(cmd, append(envs, envVars["LOSPARSE_DEVICE_MAP"]))
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(compressCmd, mergeCmd, showCmd)
	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// modelOptions places models according to --device-map, falling back to
// LOSPARSE_DEVICE_MAP.
func modelOptions(cmd *cobra.Command) ([]model.Option, error) {
	pairs := envconfig.DeviceMap
	if cmd.Flags().Changed("device-map") {
		pairs, _ = cmd.Flags().GetStringSlice("device-map")
	}

	if len(pairs) == 0 {
		return nil, nil
	}

	dm, err := ml.ParseDeviceMap(pairs)
	if err != nil {
		return nil, err
	}

	slog.Debug("using device map", "map", dm, "devices", dm.Devices())
	return []model.Option{model.WithDeviceMap(dm)}, nil
}

// newProgress returns nil when progress output is disabled.
func newProgress() *progress.Progress {
	if envconfig.NoProgress {
		return nil
	}
	return progress.NewProgress(os.Stderr)
}

// spin shows message until the returned func is called.
func spin(p *progress.Progress, message string) func() {
	if p == nil {
		slog.Info(message)
		return func() {}
	}

	spinner := progress.NewSpinner(message)
	p.Add(spinner)
	return spinner.Stop
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func writeReport(w io.Writer, layers []losparse.LayerSparsity) {
	table := newTable(w, "LAYER", "SHAPE", "RANK", "SPARSITY")
	for _, l := range layers {
		table.Append([]string{l.Name, format.Shape(l.Shape), rankString(l.Rank), format.Percent(l.Ratio())})
	}
	table.Render()
}

func rankString(rank int) string {
	if rank == 0 {
		return "-"
	}
	return strconv.Itoa(rank)
}

func parametersString(n int) string {
	return format.HumanNumber(uint64(n))
}
