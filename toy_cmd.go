package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/b0tShaman/transformer-go/data"
	"github.com/b0tShaman/transformer-go/ml"
	"github.com/b0tShaman/transformer-go/transformer"
)

func newToyCmd() *cobra.Command {
	var (
		flags   modelFlags
		weights string
		task    data.SyntheticTask
		kind    string
		samples int
		preview int
	)
	cmd := &cobra.Command{
		Use:   "toy",
		Short: "Train on a synthetic copy or reverse task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			task.Kind = data.TaskKind(kind)
			if err := task.Validate(); err != nil {
				return err
			}
			if err := flags.check(); err != nil {
				return err
			}

			cfg, err := flags.modelConfig(cmd.Flags(), task.VocabSize(), task.VocabSize(), data.PadID)
			if err != nil {
				return err
			}
			model, err := transformer.NewTransformer(cfg, ml.NewRand(flags.seed))
			if err != nil {
				return err
			}

			// Auto-Load weights if they exist
			step := 0
			if _, err := os.Stat(weights); err == nil {
				fmt.Fprintln(out, "Found existing model. Loading weights...")
				if step, err = model.LoadFromFile(weights); err != nil {
					fmt.Fprintf(out, "Model mismatch (%v). Starting training from scratch.\n", err)
					step = 0
				}
			}

			trainer, err := transformer.NewTrainer(model, flags.trainingConfig(weights, data.EosID))
			if err != nil {
				return err
			}
			trainer.SetOutput(out)
			trainer.SetStep(step)

			rng := ml.NewRand(flags.seed + 1)
			eval := data.Batches(task.Generate(rng, flags.batchSize), flags.batchSize, data.PadID, nil, false)
			err = trainer.Fit(cmd.Context(), func(int) []data.Batch {
				return data.Batches(task.Generate(rng, samples), flags.batchSize, data.PadID, nil, true)
			}, eval)
			if err != nil {
				return stopped(out, err)
			}
			return printTranslations(out, model, eval[0], preview)
		},
	}

	fs := cmd.Flags()
	flags.register(fs, modelFlags{batchSize: 32, size: 128, nLayers: 2, nHeads: 4, epochs: 10, learningRate: 0.001, dropout: 0.2})
	fs.StringVar(&weights, "weights", "toy.gob", "weight file, loaded when present and rewritten every epoch")
	fs.StringVar(&kind, "task", string(data.TaskReverse), "copy or reverse")
	fs.IntVar(&task.Symbols, "symbols", 10, "distinct symbols in the synthetic vocabulary")
	fs.IntVar(&task.MinLen, "min-len", 3, "shortest synthetic sequence")
	fs.IntVar(&task.MaxLen, "max-len", 5, "longest synthetic sequence")
	fs.IntVar(&samples, "samples", 3200, "pairs generated per epoch")
	fs.IntVar(&preview, "preview", 3, "translations printed after training")
	return cmd
}

// printTranslations decodes the first n sources of batch greedily and prints
// them next to their references.
func printTranslations(w io.Writer, model *transformer.Transformer, batch data.Batch, n int) error {
	n = min(n, batch.Size())
	if n <= 0 {
		return nil
	}
	maxLen := len(batch.Target[0]) + 1
	hyps, err := model.Translate(batch.Source[:n], data.BosID, data.EosID, maxLen, data.DecodingConfig{}, nil)
	if err != nil {
		return fmt.Errorf("translate: %w", err)
	}
	for i, hyp := range hyps {
		ref := data.TakeUntil(batch.Target[i][1:], data.EosID)
		fmt.Fprintf(w, "\ttrue: %v\n\tpred: %v\n", ref, hyp)
	}
	return nil
}
