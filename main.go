package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/b0tShaman/transformer-go/ml"
	"github.com/b0tShaman/transformer-go/transformer"
)

// -------- MAIN -------- //
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "transformer-go",
		Short:        "Train encoder-decoder Transformers for translation",
		SilenceUsage: true,
	}
	root.AddCommand(newTrainCmd(), newToyCmd())
	return root
}

// modelFlags are the architecture and optimisation options shared by every
// command.
type modelFlags struct {
	configPath     string
	batchSize      int
	seed           uint64
	size           int
	nLayers        int
	nHeads         int
	nThreads       int
	epochs         int
	learningRate   float64
	dropout        float64
	optimizer      string
	peType         string
	warmup         int
	shareEmbedding bool
}

func (f *modelFlags) register(fs *pflag.FlagSet, d modelFlags) {
	fs.StringVar(&f.configPath, "config", "", "JSON model config; flags given explicitly override it")
	fs.IntVar(&f.batchSize, "batch-size", d.batchSize, "sentence pairs per optimizer step")
	fs.Uint64Var(&f.seed, "seed", 42, "seed for initialisation, shuffling and dropout")
	fs.IntVar(&f.size, "size", d.size, "model width")
	fs.IntVar(&f.nLayers, "n-layers", d.nLayers, "layers per stack")
	fs.IntVar(&f.nHeads, "n-heads", d.nHeads, "attention heads")
	fs.IntVar(&f.nThreads, "n-threads", runtime.NumCPU(), "parallel batch shards")
	fs.IntVar(&f.epochs, "epochs", d.epochs, "training epochs")
	fs.Float64Var(&f.learningRate, "learning-rate", d.learningRate, "base learning rate")
	fs.Float64Var(&f.dropout, "dropout", d.dropout, "dropout probability")
	fs.StringVar(&f.optimizer, "optimizer", string(ml.OptAdam), "adam, momentum or sgd")
	fs.StringVar(&f.peType, "pe-type", string(transformer.Additive), "positional encoding: additive or projection")
	fs.IntVar(&f.warmup, "warmup", d.warmup, "warmup steps of the learning-rate schedule (0: constant rate)")
	fs.BoolVar(&f.shareEmbedding, "share-embedding", false, "tie the output projection to the decoder embedding")
}

func (f *modelFlags) check() error {
	if f.batchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive, got %d", f.batchSize)
	}
	if f.nThreads <= 0 {
		return fmt.Errorf("--n-threads must be positive, got %d", f.nThreads)
	}
	return nil
}

// modelConfig merges the optional JSON file with the flags the user set.
func (f *modelFlags) modelConfig(fs *pflag.FlagSet, sourceVocab, targetVocab, pad int) (transformer.Config, error) {
	cfg := transformer.Config{
		Size:               f.size,
		NumLayers:          f.nLayers,
		NumHeads:           f.nHeads,
		Dropout:            f.dropout,
		PositionalEncoding: transformer.PositionalStrategy(f.peType),
		ShareEmbedding:     f.shareEmbedding,
	}
	if f.configPath != "" {
		loaded, err := transformer.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
		fs.Visit(func(fl *pflag.Flag) {
			switch fl.Name {
			case "size":
				loaded.Size = f.size
			case "n-layers":
				loaded.NumLayers = f.nLayers
			case "n-heads":
				loaded.NumHeads = f.nHeads
			case "dropout":
				loaded.Dropout = f.dropout
			case "pe-type":
				loaded.PositionalEncoding = transformer.PositionalStrategy(f.peType)
			case "share-embedding":
				loaded.ShareEmbedding = f.shareEmbedding
			}
		})
		cfg = loaded
	}
	cfg.SourceVocabSize = sourceVocab
	cfg.TargetVocabSize = targetVocab
	cfg.PaddingIdx = pad
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func (f *modelFlags) trainingConfig(modelPath string, eos int) transformer.TrainingConfig {
	return transformer.TrainingConfig{
		Epochs:       f.epochs,
		BatchSize:    f.batchSize,
		LearningRate: f.learningRate,
		WarmupSteps:  f.warmup,
		ModelPath:    modelPath,
		NumWorkers:   f.nThreads,
		VerboseEvery: 1,
		Seed:         f.seed,
		EOS:          eos,
		Optimizer:    ml.OptimizerType(f.optimizer),
		MomentumMu:   0.9,
	}
}

// experimentName renders the flags that define a run as name=value pairs, so
// runs with different hyperparameters land in different directories.
func experimentName(fs *pflag.FlagSet, ignore ...string) string {
	var parts []string
	fs.VisitAll(func(fl *pflag.Flag) {
		if lo.Contains(ignore, fl.Name) || fl.Name == "help" {
			return
		}
		value := strings.Trim(fl.Value.String(), "[]")
		value = strings.NewReplacer("/", "_", ",", "_", " ", "_").Replace(value)
		parts = append(parts, fmt.Sprintf("%s=%s", fl.Name, value))
	})
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// stopped turns an interrupt into a clean exit; the trainer has already saved
// the model by then.
func stopped(out io.Writer, err error) error {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "Interrupted.")
		return nil
	}
	return err
}
