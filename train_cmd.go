package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/b0tShaman/transformer-go/data"
	"github.com/b0tShaman/transformer-go/ml"
	"github.com/b0tShaman/transformer-go/transformer"
)

const (
	trainSubset = "train"
	evalSubset  = "tst2012"
	modelFile   = "model.gob"
)

func newTrainCmd() *cobra.Command {
	var (
		flags          modelFlags
		experimentPath string
		restorePath    string
		datasetPath    []string
		minFreq        int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on a parallel corpus laid out as <dir>/<subset>.<lang>",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(datasetPath) != 3 {
				return fmt.Errorf("--dataset-path needs DIR,SOURCE,TARGET, got %v", datasetPath)
			}
			if err := flags.check(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			dir, source, target := datasetPath[0], datasetPath[1], datasetPath[2]

			// 1. Load Data & Initialize Model
			fmt.Fprintln(out, "Loading dataset...")
			var (
				train *data.Corpus
				model *transformer.Transformer
				step  int
				err   error
			)
			if restorePath != "" {
				if train, err = loadWithSavedVocab(dir, source, target, filepath.Dir(restorePath)); err != nil {
					return err
				}
				if model, step, err = restore(restorePath, train); err != nil {
					return err
				}
				cfg := model.Config()
				fmt.Fprintf(out, "Restored %s at step %d (size %d, %d layers)\n", restorePath, step, cfg.Size, cfg.NumLayers)
			} else {
				if train, err = data.LoadCorpus(dir, trainSubset, source, target, minFreq); err != nil {
					return err
				}
				cfg, err := flags.modelConfig(cmd.Flags(), train.SourceVocab.Len(), train.TargetVocab.Len(), data.PadID)
				if err != nil {
					return err
				}
				if model, err = transformer.NewTransformer(cfg, ml.NewRand(flags.seed)); err != nil {
					return err
				}
			}
			eval, err := data.LoadCorpusWith(dir, evalSubset, source, target, train.SourceVocab, train.TargetVocab)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Loaded %d training and %d evaluation pairs, vocabularies %d/%d\n",
				len(train.Pairs), len(eval.Pairs), train.SourceVocab.Len(), train.TargetVocab.Len())

			path := filepath.Join(experimentPath, experimentName(cmd.Flags(),
				"experiment-path", "restore-path", "dataset-path", "epochs", "n-threads", "config"))
			if err := os.MkdirAll(path, 0o755); err != nil {
				return err
			}
			if err := train.SourceVocab.SaveToFile(filepath.Join(path, "vocab."+source)); err != nil {
				return err
			}
			if err := train.TargetVocab.SaveToFile(filepath.Join(path, "vocab."+target)); err != nil {
				return err
			}

			// 2. Configure & Train
			trainer, err := transformer.NewTrainer(model, flags.trainingConfig(filepath.Join(path, modelFile), data.EosID))
			if err != nil {
				return err
			}
			trainer.SetOutput(out)
			trainer.SetStep(step)

			rng := ml.NewRand(flags.seed + 1)
			evalBatches := data.Batches(eval.Pairs, flags.batchSize, data.PadID, nil, false)
			err = trainer.Fit(cmd.Context(), func(int) []data.Batch {
				return data.Batches(train.Pairs, flags.batchSize, data.PadID, rng, true)
			}, evalBatches)
			return stopped(out, err)
		},
	}

	fs := cmd.Flags()
	flags.register(fs, modelFlags{batchSize: 32, size: 256, nLayers: 4, nHeads: 4, epochs: 1000, learningRate: 1.0, dropout: 0.1, warmup: 4000})
	fs.StringVar(&experimentPath, "experiment-path", "./tf_log", "directory for checkpoints and vocabularies")
	fs.StringVar(&restorePath, "restore-path", "", "checkpoint to resume from")
	fs.StringSliceVar(&datasetPath, "dataset-path", []string{"./iwslt15", "en", "vi"}, "DIR,SOURCE,TARGET")
	fs.IntVar(&minFreq, "min-freq", 1, "drop tokens seen fewer times from the vocabulary")
	return cmd
}

// loadWithSavedVocab encodes the training subset with the vocabularies stored
// in vocabDir, so that token ids line up with a restored model.
func loadWithSavedVocab(dir, source, target, vocabDir string) (*data.Corpus, error) {
	sourceVocab, err := data.LoadVocab(filepath.Join(vocabDir, "vocab."+source))
	if err != nil {
		return nil, err
	}
	targetVocab, err := data.LoadVocab(filepath.Join(vocabDir, "vocab."+target))
	if err != nil {
		return nil, err
	}
	return data.LoadCorpusWith(dir, trainSubset, source, target, sourceVocab, targetVocab)
}

// restore rebuilds the model described by the checkpoint. Model flags are
// ignored; the checkpoint's configuration wins.
func restore(filename string, train *data.Corpus) (*transformer.Transformer, int, error) {
	model, step, err := transformer.Restore(filename)
	if err != nil {
		return nil, 0, err
	}
	cfg := model.Config()
	if cfg.SourceVocabSize != train.SourceVocab.Len() || cfg.TargetVocabSize != train.TargetVocab.Len() {
		return nil, 0, fmt.Errorf("%w: %s expects vocabularies %d/%d, got %d/%d", transformer.ErrShapeMismatch, filename,
			cfg.SourceVocabSize, cfg.TargetVocabSize, train.SourceVocab.Len(), train.TargetVocab.Len())
	}
	return model, step, nil
}
