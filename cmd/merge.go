package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/losparse/convert"
	"github.com/ollama/losparse/merge"
	"github.com/ollama/losparse/model"
	"github.com/ollama/losparse/modelpool"
)

func MergeHandler(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	exclude, _ := cmd.Flags().GetStringSlice("exclude")

	if pretrained, _ := cmd.Flags().GetString("pretrained"); pretrained != "" {
		args = append([]string{modelpool.Pretrained + "=" + pretrained}, args...)
	}

	opts, err := modelOptions(cmd)
	if err != nil {
		return err
	}

	pool, err := modelpool.Parse(args, modelpool.WithModelOptions(opts...))
	if err != nil {
		return err
	}

	if !pool.HasPretrained() {
		return errors.New("a pretrained model is required, set --pretrained or pass _pretrained_=MODEL")
	}

	if pool.Len() == 0 {
		return modelpool.ErrEmpty
	}

	p := newProgress()
	if p != nil {
		defer p.Stop()
	}

	stop := spin(p, fmt.Sprintf("loading %d models", pool.Len()+1))
	pre, err := pool.LoadPretrained()
	if err != nil {
		stop()
		return err
	}

	fts, err := pool.Models()
	stop()
	if err != nil {
		return err
	}

	sds := make([]model.StateDict, len(fts))
	for i, ft := range fts {
		sds[i] = ft.StateDict()
	}

	stop = spin(p, "merging")
	merged, err := merge.TaskSingularVectors(pre.StateDict(), sds, exclude)
	stop()
	if err != nil {
		return err
	}

	if _, err := pre.LoadStateDict(merged); err != nil {
		return err
	}

	stop = spin(p, "writing model")
	err = convert.WriteModel(output, pre)
	stop()
	if err != nil {
		return err
	}

	if p != nil {
		p.Stop()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "merged %s into %s\n", strings.Join(pool.Names(), ", "), output)
	return nil
}
