package transformer

import (
	"fmt"

	"github.com/b0tShaman/transformer-go/ml"
)

// residual is the post-norm wrapper shared by every sublayer:
// LayerNorm(x + Dropout(f(x))).
type residual struct {
	norm    *LayerNorm
	dropout float64
}

func (r residual) apply(p *Pass, x Hidden, fx *ml.Node) Hidden {
	sum := p.g.Add(x.X, p.dropout(fx, r.dropout))
	return Hidden{X: r.norm.Forward(p, sum), Batch: x.Batch, Len: x.Len}
}

// SelfAttentionSublayer: LayerNorm(x + Dropout(Attention(x, x, x))) under
// in.SelfMask.
type SelfAttentionSublayer struct {
	Attention *MultiHeadAttention
	residual
}

func newSelfAttentionSublayer(r *registry, name string, cfg Config) *SelfAttentionSublayer {
	return &SelfAttentionSublayer{
		Attention: newMultiHeadAttention(r, name, cfg.Size, cfg.NumHeads),
		residual:  residual{norm: newLayerNorm(r, name+".norm", cfg.Size, cfg.LayerNormEps), dropout: cfg.Dropout},
	}
}

func (s *SelfAttentionSublayer) Forward(p *Pass, x Hidden, in LayerInputs) (Hidden, error) {
	attended, err := s.Attention.Attend(p, x, x, in.SelfMask)
	if err != nil {
		return Hidden{}, err
	}
	return s.apply(p, x, attended.X), nil
}

// CrossAttentionSublayer: LayerNorm(x + Dropout(Attention(x, states, states)))
// where states are the encoder outputs in in.Memory, under in.MemoryMask.
type CrossAttentionSublayer struct {
	Attention *MultiHeadAttention
	residual
}

func newCrossAttentionSublayer(r *registry, name string, cfg Config) *CrossAttentionSublayer {
	return &CrossAttentionSublayer{
		Attention: newMultiHeadAttention(r, name, cfg.Size, cfg.NumHeads),
		residual:  residual{norm: newLayerNorm(r, name+".norm", cfg.Size, cfg.LayerNormEps), dropout: cfg.Dropout},
	}
}

func (s *CrossAttentionSublayer) Forward(p *Pass, x Hidden, in LayerInputs) (Hidden, error) {
	if in.Memory == nil {
		return Hidden{}, fmt.Errorf("%w: cross attention without encoder states", ErrShape)
	}
	attended, err := s.Attention.Attend(p, x, *in.Memory, in.MemoryMask)
	if err != nil {
		return Hidden{}, err
	}
	return s.apply(p, x, attended.X), nil
}

// FeedForwardSublayer: LayerNorm(x + Dropout(W2·ReLU(W1·x + b1) + b2)),
// applied to every position independently.
type FeedForwardSublayer struct {
	Hidden, Output *Linear
	residual
}

func newFeedForwardSublayer(r *registry, name string, cfg Config) *FeedForwardSublayer {
	return &FeedForwardSublayer{
		Hidden:   newLinear(r, name+".linear1", cfg.Size, cfg.FeedForwardSize, true),
		Output:   newLinear(r, name+".linear2", cfg.FeedForwardSize, cfg.Size, true),
		residual: residual{norm: newLayerNorm(r, name+".norm", cfg.Size, cfg.LayerNormEps), dropout: cfg.Dropout},
	}
}

func (f *FeedForwardSublayer) Forward(p *Pass, x Hidden, _ LayerInputs) (Hidden, error) {
	h := p.g.ReLU(f.Hidden.Forward(p, x.X))
	return f.apply(p, x, f.Output.Forward(p, h)), nil
}
