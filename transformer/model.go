package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/transformer-go/ml"
)

const (
	encoderName    = "encoder"
	decoderName    = "decoder"
	projectionName = "projection.weight"
)

// Transformer is the encoder-decoder translation model.
type Transformer struct {
	cfg        Config
	encoder    *Stack
	decoder    *Stack
	projection *ml.Parameter // (target vocab × size), applied as h·Wᵀ
	reg        *registry
}

// NewTransformer builds a randomly initialised model. All initial values are
// drawn from rng.
func NewTransformer(cfg Config, rng *rand.Rand) (*Transformer, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := newRegistry(rng)
	t := &Transformer{cfg: cfg, reg: r}

	var sourceTable, targetTable *ml.Parameter
	if cfg.ShareSourceEmbedding {
		targetTable = r.add(decoderName+".embedding.weight", cfg.TargetVocabSize, cfg.Size, r.embedding(cfg.PaddingIdx))
		sourceTable = targetTable
	}

	t.encoder = newStack(r, encoderName, cfg, cfg.SourceVocabSize, sourceTable,
		func(r *registry, name string, cfg Config) Layer { return newEncoderLayer(r, name, cfg) })
	t.decoder = newStack(r, decoderName, cfg, cfg.TargetVocabSize, targetTable,
		func(r *registry, name string, cfg Config) Layer { return newDecoderLayer(r, name, cfg) })

	if cfg.ShareEmbedding {
		t.projection = t.decoder.Embedding
		r.alias(projectionName, t.projection)
	} else {
		t.projection = r.add(projectionName, cfg.TargetVocabSize, cfg.Size, r.xavier)
	}
	return t, nil
}

func (t *Transformer) Config() Config { return t.cfg }

func (t *Transformer) Encoder() *Stack { return t.encoder }
func (t *Transformer) Decoder() *Stack { return t.decoder }

// Projection returns the output projection weight. With ShareEmbedding it is
// the decoder embedding table itself.
func (t *Transformer) Projection() *ml.Parameter { return t.projection }

// Parameters lists every distinct parameter once, in creation order.
func (t *Transformer) Parameters() []*ml.Parameter { return t.reg.unique }

// Parameter looks a parameter up by any of its names, aliases included.
func (t *Transformer) Parameter(name string) (*ml.Parameter, bool) {
	p, ok := t.reg.byName[name]
	return p, ok
}

// NumParameters counts scalar weights, tied tensors once.
func (t *Transformer) NumParameters() int {
	total := 0
	for _, p := range t.reg.unique {
		total += p.Value.Rows() * p.Value.Cols()
	}
	return total
}

// Encode runs the encoder over source ids and returns its states together with
// the source padding mask.
func (t *Transformer) Encode(p *Pass, source [][]int) (Hidden, *Mask, error) {
	mask, err := PaddingMask(source, source, t.cfg.PaddingIdx)
	if err != nil {
		return Hidden{}, nil, err
	}
	states, err := t.encoder.Forward(p, source, LayerInputs{SelfMask: mask})
	if err != nil {
		return Hidden{}, nil, err
	}
	return states, mask, nil
}

// Decode runs the decoder over decoderInput attending to the encoder states of
// source, and projects to target-vocabulary logits (B·Lt × V).
func (t *Transformer) Decode(p *Pass, source, decoderInput [][]int, states Hidden) (*ml.Node, error) {
	selfMask, err := DecoderSelfMask(decoderInput, t.cfg.PaddingIdx)
	if err != nil {
		return nil, err
	}
	memoryMask, err := PaddingMask(decoderInput, source, t.cfg.PaddingIdx)
	if err != nil {
		return nil, err
	}
	y, err := t.decoder.Forward(p, decoderInput, LayerInputs{
		SelfMask:   selfMask,
		Memory:     &states,
		MemoryMask: memoryMask,
	})
	if err != nil {
		return nil, err
	}

	logits := p.g.MatMulT(y.X, p.g.Param(t.projection))
	if !logits.Value().IsFinite() {
		return nil, fmt.Errorf("%w: non-finite logits for batch of %d", ErrNumerical, y.Batch)
	}
	return logits, nil
}

// ForwardPass records the whole model on p and returns the logits node, one
// row per (sample, decoder position).
func (t *Transformer) ForwardPass(p *Pass, source, decoderInput [][]int) (*ml.Node, error) {
	if len(source) != len(decoderInput) {
		return nil, fmt.Errorf("%w: source batch %d, decoder batch %d", ErrShape, len(source), len(decoderInput))
	}
	states, _, err := t.Encode(p, source)
	if err != nil {
		return nil, err
	}
	return t.Decode(p, source, decoderInput, states)
}

// Forward evaluates the model without dropout or gradient tracking.
// decoderInput is the target without its last position.
func (t *Transformer) Forward(source, decoderInput [][]int) (*Logits, error) {
	out, err := t.ForwardPass(NewEvalPass(), source, decoderInput)
	if err != nil {
		return nil, err
	}
	return newLogits(out.Value(), len(decoderInput), len(decoderInput[0])), nil
}

// Logits are (Batch, Len, Vocab) scores stored as a Batch*Len × Vocab matrix.
type Logits struct {
	Batch, Len, Vocab int
	Values            *ml.Matrix
}

func newLogits(values *ml.Matrix, batch, length int) *Logits {
	return &Logits{Batch: batch, Len: length, Vocab: values.Cols(), Values: values}
}

func (l *Logits) Shape() [3]int { return [3]int{l.Batch, l.Len, l.Vocab} }

// Row returns the scores of position i in sample b. The slice aliases Values.
func (l *Logits) Row(b, i int) []float64 { return l.Values.Row(b*l.Len + i) }

func (l *Logits) At(b, i, v int) float64 { return l.Values.At(b*l.Len+i, v) }

// Predictions returns the argmax id per position.
func (l *Logits) Predictions() [][]int {
	flat := ml.Argmax(l.Values)
	out := make([][]int, l.Batch)
	for b := range out {
		out[b] = flat[b*l.Len : (b+1)*l.Len]
	}
	return out
}
