package transformer

import (
	"fmt"

	"github.com/b0tShaman/transformer-go/ml"
)

// EncoderLayer applies self attention then the feed-forward sublayer.
type EncoderLayer struct {
	units [2]Layer
}

func newEncoderLayer(r *registry, name string, cfg Config) *EncoderLayer {
	return &EncoderLayer{units: [2]Layer{
		newSelfAttentionSublayer(r, name+".self_attention", cfg),
		newFeedForwardSublayer(r, name+".feed_forward", cfg),
	}}
}

func (l *EncoderLayer) Forward(p *Pass, x Hidden, in LayerInputs) (Hidden, error) {
	return runUnits(p, l.units[:], x, in)
}

// DecoderLayer applies masked self attention, attention over the encoder
// states and the feed-forward sublayer.
type DecoderLayer struct {
	units [3]Layer
}

func newDecoderLayer(r *registry, name string, cfg Config) *DecoderLayer {
	return &DecoderLayer{units: [3]Layer{
		newSelfAttentionSublayer(r, name+".self_attention", cfg),
		newCrossAttentionSublayer(r, name+".encoder_attention", cfg),
		newFeedForwardSublayer(r, name+".feed_forward", cfg),
	}}
}

func (l *DecoderLayer) Forward(p *Pass, x Hidden, in LayerInputs) (Hidden, error) {
	return runUnits(p, l.units[:], x, in)
}

func runUnits(p *Pass, units []Layer, x Hidden, in LayerInputs) (Hidden, error) {
	var err error
	for _, u := range units {
		if x, err = u.Forward(p, x, in); err != nil {
			return Hidden{}, err
		}
	}
	return x, nil
}

// Stack is the shared encoder/decoder skeleton:
// embed -> positional encoding -> dropout -> layers.
type Stack struct {
	Embedding  *ml.Parameter
	Positional *PositionalEncoder
	layers     []Layer
	pad        int
	dropout    float64
}

func newStack(r *registry, name string, cfg Config, vocab int, embedding *ml.Parameter, layer func(*registry, string, Config) Layer) *Stack {
	if embedding == nil {
		embedding = r.add(name+".embedding.weight", vocab, cfg.Size, r.embedding(cfg.PaddingIdx))
	} else {
		r.alias(name+".embedding.weight", embedding)
	}
	s := &Stack{
		Embedding:  embedding,
		Positional: newPositionalEncoder(r, name+".positional_encoding", cfg.PositionalEncoding, cfg.Size),
		layers:     make([]Layer, cfg.NumLayers),
		pad:        cfg.PaddingIdx,
		dropout:    cfg.Dropout,
	}
	for i := range s.layers {
		s.layers[i] = layer(r, fmt.Sprintf("%s.layers.%d", name, i), cfg)
	}
	return s
}

func (s *Stack) NumLayers() int { return len(s.layers) }

// Embed looks ids up in the embedding table, adds positions and applies
// dropout. Pad ids produce no embedding gradient.
func (s *Stack) Embed(p *Pass, ids [][]int) (Hidden, error) {
	batch, length, err := sequenceShape("token", ids)
	if err != nil {
		return Hidden{}, err
	}
	vocab := s.Embedding.Value.Rows()
	flat := make([]int, 0, batch*length)
	for b, seq := range ids {
		for i, id := range seq {
			if id < 0 || id >= vocab {
				return Hidden{}, fmt.Errorf("%w: token id %d at (%d, %d) outside vocabulary of %d", ErrShape, id, b, i, vocab)
			}
		}
		flat = append(flat, seq...)
	}

	x := Hidden{X: p.g.Gather(p.g.Param(s.Embedding), flat, s.pad), Batch: batch, Len: length}
	x = s.Positional.Forward(p, x)
	x.X = p.dropout(x.X, s.dropout)
	return x, nil
}

// Forward embeds ids and runs every layer with the given inputs.
func (s *Stack) Forward(p *Pass, ids [][]int, in LayerInputs) (Hidden, error) {
	x, err := s.Embed(p, ids)
	if err != nil {
		return Hidden{}, err
	}
	return runUnits(p, s.layers, x, in)
}
