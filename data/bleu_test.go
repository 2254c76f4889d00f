package data

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceBLEU(t *testing.T) {
	ref := []int{4, 5, 6, 7, 8, 9, 10, 11}

	assert.InDelta(t, 1.0, SentenceBLEU(ref, ref), 1e-12)
	assert.Zero(t, SentenceBLEU(ref, nil))
	assert.Zero(t, SentenceBLEU(ref, []int{4, 5, 6}), "shorter than the highest order")
	assert.Zero(t, SentenceBLEU(ref, []int{20, 21, 22, 23, 24}))

	// every n-gram matches, only the brevity penalty applies
	assert.InDelta(t, math.Exp(-1), SentenceBLEU(ref, []int{4, 5, 6, 7}), 1e-12)
}

func TestSentenceBLEUClipsRepeats(t *testing.T) {
	ref := []int{4, 4, 5, 6, 7}
	hyp := []int{4, 4, 4, 5, 6, 7}
	// unigrams 5/6, bigrams 4/5, trigrams 3/4, 4-grams 2/3; no brevity penalty
	want := math.Pow(5.0/6*4.0/5*3.0/4*2.0/3, 0.25)
	assert.InDelta(t, want, SentenceBLEU(ref, hyp), 1e-12)
}

func TestTakeUntil(t *testing.T) {
	assert.Equal(t, []int{4, 5}, TakeUntil([]int{4, 5, EosID, 6}, EosID))
	assert.Equal(t, []int{4, 5}, TakeUntil([]int{4, 5}, EosID))
	assert.Empty(t, TakeUntil([]int{EosID}, EosID))
}

func TestSentenceBLEUsCutsAtEOS(t *testing.T) {
	refs := [][]int{{4, 5, 6, 7, EosID, PadID}, {4, 5, 6, 7, EosID}}
	hyps := [][]int{{4, 5, 6, 7, EosID, 9}, {8, EosID, 4, 5, 6}}
	scores := SentenceBLEUs(refs, hyps, EosID)
	assert.InDelta(t, 1.0, scores[0], 1e-12)
	assert.Zero(t, scores[1])
}

func TestMean(t *testing.T) {
	var m Mean
	assert.Zero(t, m.Compute())
	m.Update(1, 2)
	m.Update(3)
	assert.Equal(t, 3, m.Count())
	assert.InDelta(t, 2.0, m.ComputeAndReset(), 1e-12)
	assert.Zero(t, m.Count())
	assert.Zero(t, m.Compute())
}
