package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/transformer-go/data"
)

// Translate decodes source autoregressively, one position at a time, starting
// every row from bos. A row stops at eos; decoding ends when every row has
// stopped or maxLen ids were produced. The result excludes bos and eos.
// With the zero DecodingConfig each step takes the argmax; rng is only used by
// the sampling strategies and may be nil otherwise.
func (t *Transformer) Translate(source [][]int, bos, eos, maxLen int, dec data.DecodingConfig, rng *rand.Rand) ([][]int, error) {
	if err := dec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if dec.SamplingType != "" && dec.SamplingType != data.SamplingGreedy && rng == nil {
		return nil, fmt.Errorf("%w: %s sampling needs a random source", ErrConfig, dec.SamplingType)
	}
	if maxLen <= 0 {
		return nil, fmt.Errorf("%w: maxLen %d", ErrShape, maxLen)
	}
	pad := t.cfg.PaddingIdx

	// 1. Encode once; every decoding step reads the same states.
	p := NewEvalPass()
	states, _, err := t.Encode(p, source)
	if err != nil {
		return nil, err
	}

	ys := make([][]int, len(source))
	for b := range ys {
		ys[b] = []int{bos}
	}
	done := make([]bool, len(source))
	remaining := len(source)

	// 2. Grow the decoder input until every row emitted eos.
	for step := 0; step < maxLen && remaining > 0; step++ {
		logits, err := t.Decode(p, source, ys, states)
		if err != nil {
			return nil, err
		}
		length := len(ys[0])
		for b := range ys {
			next := pad
			if !done[b] {
				next = dec.Choose(logits.Value().Row(b*length+length-1), rng)
				if next == eos {
					done[b] = true
					remaining--
				}
			}
			ys[b] = append(ys[b], next)
		}
	}

	out := make([][]int, len(ys))
	for b, seq := range ys {
		out[b] = data.TakeUntil(seq[1:], eos)
	}
	return out, nil
}
