package cmd

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/losparse/convert"
	"github.com/ollama/losparse/format"
	"github.com/ollama/losparse/losparse"
)

func ShowHandler(cmd *cobra.Command, args []string) error {
	showTensors, _ := cmd.Flags().GetBool("tensors")
	showSparsity, _ := cmd.Flags().GetBool("sparsity")

	params, err := convert.ReadParameters(os.DirFS(args[0]))
	if err != nil {
		return err
	}

	c, err := params.Config()
	if err != nil {
		return err
	}

	tensors, err := convert.Inspect(args[0])
	if err != nil {
		return err
	}

	var n int
	var size int64
	for _, t := range tensors {
		numel := 1
		for _, d := range t.Shape {
			numel *= d
		}
		n += numel
		size += int64(numel * t.DType.Size())
	}

	w := cmd.OutOrStdout()
	table := newTable(w)
	table.AppendBulk([][]string{
		{"architecture", strings.Join(params.Architectures, ", ")},
		{"parameters", parametersString(n)},
		{"size", format.HumanBytes(size)},
		{"dtype", c.DType.String()},
		{"vocabulary", strconv.Itoa(c.VocabSize)},
		{"hidden size", strconv.Itoa(c.HiddenSize)},
		{"intermediate size", strconv.Itoa(c.IntermediateSize)},
		{"layers", strconv.Itoa(c.NumHiddenLayers)},
		{"attention heads", fmt.Sprintf("%d (%d key/value)", c.NumAttentionHeads, cmp.Or(c.NumKeyValueHeads, c.NumAttentionHeads))},
		{"rank", rankString(c.Rank)},
	})
	table.Render()

	if showTensors {
		fmt.Fprintln(w)
		table := newTable(w, "NAME", "SHAPE", "DTYPE")
		for _, t := range tensors {
			table.Append([]string{t.Name, format.Shape(t.Shape), t.DType.String()})
		}
		table.Render()
	}

	if showSparsity {
		opts, err := modelOptions(cmd)
		if err != nil {
			return err
		}

		m, err := convert.LoadModel(args[0], opts...)
		if err != nil {
			return err
		}

		layers := losparse.Report(m)

		fmt.Fprintln(w)
		writeReport(w, layers)
		fmt.Fprintf(w, "\nsparsity: %s\n", format.Percent(losparse.Overall(layers)))
	}

	return nil
}
