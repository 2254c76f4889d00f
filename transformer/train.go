package transformer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/b0tShaman/transformer-go/data"
	"github.com/b0tShaman/transformer-go/ml"
)

type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64 // base rate, scaled by the schedule
	WarmupSteps  int     // 0 keeps LearningRate constant
	ModelPath    string  // checkpoint rewritten after every epoch; empty disables saving
	NumWorkers   int     // batch shards computed in parallel; 0 means runtime.NumCPU()
	VerboseEvery int     // How often to log progress (in epochs)
	Seed         uint64  // dropout streams derive from it
	EOS          int     // predictions and references are cut here for BLEU

	// Optimizer Selection
	Optimizer ml.OptimizerType

	// Optimizer Hyperparameters (Zero values will use defaults)
	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (0.9)
	AdamBeta2  float64 // For Adam (0.98)
	AdamEps    float64 // For Adam (1e-9)
}

func (c *TrainingConfig) normalize() {
	if c.NumWorkers == 0 {
		c.NumWorkers = runtime.NumCPU()
	}
	if c.VerboseEvery == 0 {
		c.VerboseEvery = 1
	}
}

func (c TrainingConfig) validate() error {
	switch {
	case c.NumWorkers < 0:
		return fmt.Errorf("%w: %d workers", ErrConfig, c.NumWorkers)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate %v must be positive", ErrConfig, c.LearningRate)
	case c.WarmupSteps < 0:
		return fmt.Errorf("%w: warmup %d must not be negative", ErrConfig, c.WarmupSteps)
	}
	return nil
}

// StepResult summarises one optimizer step.
type StepResult struct {
	Loss         float64
	Accuracy     float64
	LearningRate float64
	Tokens       int // non-pad target positions
}

// EvalResult holds averages over an evaluation set.
type EvalResult struct {
	Loss     float64
	Accuracy float64
	BLEU     float64
}

// Trainer owns the optimizer state of one model. It is not safe for
// concurrent use: steps are strictly serialized.
type Trainer struct {
	model     *Transformer
	cfg       TrainingConfig
	optimizer ml.Optimizer
	scheduler Scheduler
	step      int
	out       io.Writer
}

func NewTrainer(model *Transformer, cfg TrainingConfig) (*Trainer, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opt, err := ml.NewOptimizer(ml.OptimizerConfig{
		Type:       cfg.Optimizer,
		MomentumMu: cfg.MomentumMu,
		AdamBeta1:  cfg.AdamBeta1,
		AdamBeta2:  cfg.AdamBeta2,
		AdamEps:    cfg.AdamEps,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var sched Scheduler = ConstantRate(cfg.LearningRate)
	if cfg.WarmupSteps > 0 {
		sched = WarmupAndDecay{Base: cfg.LearningRate, Size: model.cfg.Size, Warmup: cfg.WarmupSteps}
	}
	return &Trainer{model: model, cfg: cfg, optimizer: opt, scheduler: sched, out: os.Stdout}, nil
}

// SetOutput redirects progress lines; nil silences them.
func (t *Trainer) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	t.out = w
}

// SetStep positions the schedule, e.g. after restoring a checkpoint.
func (t *Trainer) SetStep(step int) { t.step = step }

// Step returns the number of optimizer updates applied so far.
func (t *Trainer) Step() int { return t.step }

type shardResult struct {
	loss    float64
	correct int
	grads   map[*ml.Parameter]*ml.Matrix
}

// ComputeGradients runs forward and backward for a (source, target) batch
// without touching the parameters. The batch is split into contiguous shards
// evaluated in parallel; each shard's loss is divided by the non-pad count of
// the whole batch, so the summed gradients are those of the whole batch.
// step seeds the dropout streams.
func (t *Trainer) ComputeGradients(source, target [][]int, step int) (StepResult, map[*ml.Parameter]*ml.Matrix, error) {
	if _, length, err := sequenceShape("target", target); err != nil {
		return StepResult{}, nil, err
	} else if length < 2 {
		return StepResult{}, nil, fmt.Errorf("%w: target length %d leaves nothing to predict", ErrShape, length)
	}
	if len(source) != len(target) {
		return StepResult{}, nil, fmt.Errorf("%w: source batch %d, target batch %d", ErrShape, len(source), len(target))
	}
	pad := t.model.cfg.PaddingIdx
	decoderInput, gold := data.ShiftTargets(target)
	tokens := CountTokens(gold, pad)
	if tokens == 0 {
		return StepResult{}, nil, fmt.Errorf("%w: no non-pad target positions", ErrShape)
	}

	// --- A. Data Parallelism: Dispatch Workers ---
	numWorkers := min(t.cfg.NumWorkers, len(target))
	per := (len(target) + numWorkers - 1) / numWorkers
	results := make([]shardResult, numWorkers)

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		lo, hi := w*per, min((w+1)*per, len(target))
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(t.cfg.Seed, uint64(step)<<20|uint64(w)))
			pass := NewTrainingPass(rng)
			logits, err := t.model.ForwardPass(pass, source[lo:hi], decoderInput[lo:hi])
			if err != nil {
				return err
			}
			loss, err := LossNode(pass.Graph(), logits, gold[lo:hi], pad, tokens)
			if err != nil {
				return err
			}
			if err := pass.Graph().Backward(loss); err != nil {
				return err
			}
			results[w] = shardResult{
				loss:    loss.Value().At(0, 0),
				correct: countCorrect(logits.Value(), gold[lo:hi], pad),
				grads:   pass.Graph().Gradients(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, nil, err
	}

	// --- B. Aggregation Logic ---
	grads := make(map[*ml.Parameter]*ml.Matrix)
	res := StepResult{Tokens: tokens}
	correct := 0
	for _, r := range results {
		res.Loss += r.loss
		correct += r.correct
		for p, grad := range r.grads {
			if sum, ok := grads[p]; ok {
				floats.Add(sum.Data(), grad.Data())
			} else {
				grads[p] = grad
			}
		}
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return StepResult{}, nil, fmt.Errorf("%w: loss is %v", ErrNumerical, res.Loss)
	}
	res.Accuracy = float64(correct) / float64(tokens)
	return res, grads, nil
}

// TrainStep computes gradients for one batch and applies a single optimizer
// update. On error the parameters are left untouched.
func (t *Trainer) TrainStep(batch data.Batch) (StepResult, error) {
	next := t.step + 1
	res, grads, err := t.ComputeGradients(batch.Source, batch.Target, next)
	if err != nil {
		return StepResult{}, err
	}

	// --- C. Optimization ---
	res.LearningRate = t.scheduler.Rate(next)
	t.optimizer.Update(t.model.Parameters(), grads, res.LearningRate)
	t.step = next
	return res, nil
}

// Evaluate scores the model on batches with teacher forcing and no dropout.
func (t *Trainer) Evaluate(batches []data.Batch) (EvalResult, error) {
	pad := t.model.cfg.PaddingIdx
	var loss, acc, bleu data.Mean
	for _, b := range batches {
		decoderInput, gold := data.ShiftTargets(b.Target)
		logits, err := t.model.Forward(b.Source, decoderInput)
		if err != nil {
			return EvalResult{}, err
		}
		l, err := Loss(logits, gold, pad)
		if err != nil {
			return EvalResult{}, err
		}
		a, err := Accuracy(logits, gold, pad)
		if err != nil {
			return EvalResult{}, err
		}
		loss.Update(l)
		acc.Update(a)
		bleu.Update(data.SentenceBLEUs(gold, logits.Predictions(), t.cfg.EOS)...)
	}
	return EvalResult{Loss: loss.Compute(), Accuracy: acc.Compute(), BLEU: bleu.Compute()}, nil
}

// Fit trains for cfg.Epochs. train is asked for the batches of each epoch so
// that callers can reshuffle. When ctx is cancelled the model is saved and
// ctx.Err() is returned.
func (t *Trainer) Fit(ctx context.Context, train func(epoch int) []data.Batch, eval []data.Batch) error {
	fmt.Fprintf(t.out, "TrainingConfig: %+v\n", t.cfg)
	fmt.Fprintf(t.out, "Parameters: %d\n", t.model.NumParameters())

	start := time.Now()
	fmt.Fprintln(t.out, "Starting Training...")

	var loss, acc data.Mean
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		var lr float64
		for _, batch := range train(epoch) {
			if err := ctx.Err(); err != nil {
				return errors.Join(err, t.save())
			}
			res, err := t.TrainStep(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, t.step+1, err)
			}
			loss.Update(res.Loss)
			acc.Update(res.Accuracy)
			lr = res.LearningRate
		}

		epochLoss, epochAcc := loss.ComputeAndReset(), acc.ComputeAndReset()

		if epoch%t.cfg.VerboseEvery == 0 || epoch == 1 {
			fmt.Fprintf(t.out, "Epoch %d | Loss: %.4f | Acc: %.2f%% | LR: %.6f | Time: %v\n",
				epoch, epochLoss, epochAcc*100, lr, time.Since(start))
			if len(eval) > 0 {
				res, err := t.Evaluate(eval)
				if err != nil {
					return fmt.Errorf("epoch %d eval: %w", epoch, err)
				}
				fmt.Fprintf(t.out, "Eval  %d | Loss: %.4f | Acc: %.2f%% | BLEU: %.4f\n",
					epoch, res.Loss, res.Accuracy*100, res.BLEU)
			}
		}
		if err := t.save(); err != nil {
			return err
		}
	}

	fmt.Fprintf(t.out, "Training Complete. Total Time: %v\n\n", time.Since(start))
	return nil
}

func (t *Trainer) save() error {
	if t.cfg.ModelPath == "" {
		return nil
	}
	fmt.Fprintln(t.out, "Saving model to", t.cfg.ModelPath)
	return t.model.SaveToFile(t.cfg.ModelPath, t.step)
}

func countCorrect(logits *ml.Matrix, gold [][]int, pad int) int {
	preds := ml.Argmax(logits)
	correct, i := 0, 0
	for _, seq := range gold {
		for _, id := range seq {
			if id != pad && preds[i] == id {
				correct++
			}
			i++
		}
	}
	return correct
}
