package data

import (
	"math/rand/v2"

	"github.com/samber/lo"
)

// Batch is a padded (batch, length) pair of id matrices. Source and Target
// may have different lengths.
type Batch struct {
	Source, Target [][]int
}

func (b Batch) Size() int { return len(b.Source) }

// Pad right-pads every sequence with pad to the longest one.
func Pad(seqs [][]int, pad int) [][]int {
	maxLen := lo.Max(lo.Map(seqs, func(s []int, _ int) int { return len(s) }))
	return lo.Map(seqs, func(s []int, _ int) []int {
		out := make([]int, maxLen)
		copy(out, s)
		for i := len(s); i < maxLen; i++ {
			out[i] = pad
		}
		return out
	})
}

// Collate pads the two sides of pairs independently.
func Collate(pairs []Pair, pad int) Batch {
	return Batch{
		Source: Pad(lo.Map(pairs, func(p Pair, _ int) []int { return p.Source }), pad),
		Target: Pad(lo.Map(pairs, func(p Pair, _ int) []int { return p.Target }), pad),
	}
}

// Batches splits pairs into collated batches of size. With a non-nil rng the
// order is shuffled first. A trailing partial batch is kept unless dropLast.
func Batches(pairs []Pair, size, pad int, rng *rand.Rand, dropLast bool) []Batch {
	if size <= 0 || len(pairs) == 0 {
		return nil
	}
	order := NewIndexList(len(pairs))
	if rng != nil {
		ShuffleIndices(order, rng)
	}

	var out []Batch
	for _, chunk := range lo.Chunk(order, size) {
		if dropLast && len(chunk) < size {
			break
		}
		out = append(out, Collate(lo.Map(chunk, func(i int, _ int) Pair { return pairs[i] }), pad))
	}
	return out
}

// ShiftTargets splits a target batch for teacher forcing: the decoder reads
// target[:, :-1] and is scored against target[:, 1:].
func ShiftTargets(target [][]int) (decoderInput, gold [][]int) {
	decoderInput = make([][]int, len(target))
	gold = make([][]int, len(target))
	for b, seq := range target {
		if len(seq) == 0 {
			continue
		}
		decoderInput[b] = seq[:len(seq)-1]
		gold[b] = seq[1:]
	}
	return decoderInput, gold
}

func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func ShuffleIndices(indices []int, rng *rand.Rand) {
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}
