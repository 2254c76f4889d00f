package data

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const (
	// Sampling types
	SamplingGreedy  = "greedy"
	SamplingUniform = "uniform"
	SamplingTopK    = "topk"
)

// DecodingConfig holds the parameters for the inference decoding strategy.
type DecodingConfig struct {
	SamplingType string  // "greedy", "uniform" or "topk"
	Temperature  float64 // T > 0, 0 means 1
	TopK         int     // The K value for Top-K sampling.
}

func (c DecodingConfig) Validate() error {
	switch c.SamplingType {
	case "", SamplingGreedy, SamplingUniform, SamplingTopK:
	default:
		return fmt.Errorf("unknown sampling type %q", c.SamplingType)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature %v must not be negative", c.Temperature)
	}
	return nil
}

// Choose picks the next id from a row of logits. rng is only consulted by
// the stochastic strategies.
func (c DecodingConfig) Choose(logits []float64, rng *rand.Rand) int {
	if c.SamplingType == "" || c.SamplingType == SamplingGreedy {
		return floats.MaxIdx(logits)
	}
	probs := softmax(logits, c.Temperature)
	if c.SamplingType == SamplingTopK {
		return topKSample(probs, c.TopK, rng)
	}
	return multinomialSample(probs, rng)
}

func softmax(logits []float64, temperature float64) []float64 {
	if temperature == 0 {
		temperature = 1
	}
	probs := make([]float64, len(logits))
	maxVal := floats.Max(logits)
	for i, v := range logits {
		probs[i] = math.Exp((v - maxVal) / temperature)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// multinomialSample performs standard sampling from a probability distribution.
// Each class has a chance of being selected proportional to its probability.
func multinomialSample(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	cumulativeProb := 0.0
	for i, p := range probs {
		cumulativeProb += p
		if r < cumulativeProb {
			return i
		}
	}
	// Fallback in case of floating point inaccuracies, return the last index.
	return len(probs) - 1
}

// topKSample zeros out probabilities outside the top K and then samples multinomial.
func topKSample(probs []float64, k int, rng *rand.Rand) int {
	numClasses := len(probs)
	if k <= 0 || k >= numClasses {
		return multinomialSample(probs, rng)
	}

	type probIndex struct {
		prob float64
		idx  int
	}
	indexedProbs := make([]probIndex, numClasses)
	for i, p := range probs {
		indexedProbs[i] = probIndex{prob: p, idx: i}
	}
	sort.SliceStable(indexedProbs, func(i, j int) bool {
		return indexedProbs[i].prob > indexedProbs[j].prob
	})

	topKProbs := make([]float64, k)
	for i := range k {
		topKProbs[i] = indexedProbs[i].prob
	}
	newSum := floats.Sum(topKProbs)
	if newSum == 0.0 {
		return multinomialSample(probs, rng)
	}
	floats.Scale(1/newSum, topKProbs)

	return indexedProbs[multinomialSample(topKProbs, rng)].idx
}
