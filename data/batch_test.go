package data

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPad(t *testing.T) {
	got := Pad([][]int{{1, 2, 3}, {4}, {}}, 0)
	want := [][]int{{1, 2, 3}, {4, 0, 0}, {0, 0, 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Pad mismatch (-want +got):\n%s", diff)
	}
}

func TestCollatePadsSidesIndependently(t *testing.T) {
	b := Collate([]Pair{
		{Source: []int{2, 5, 3}, Target: []int{2, 6, 7, 8, 3}},
		{Source: []int{2, 5, 6, 7, 3}, Target: []int{2, 3}},
	}, PadID)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, [][]int{{2, 5, 3, 0, 0}, {2, 5, 6, 7, 3}}, b.Source)
	assert.Equal(t, [][]int{{2, 6, 7, 8, 3}, {2, 3, 0, 0, 0}}, b.Target)
}

func pairsOf(n int) []Pair {
	pairs := make([]Pair, n)
	for i := range pairs {
		pairs[i] = Pair{Source: []int{BosID, 10 + i, EosID}, Target: []int{BosID, 10 + i, EosID}}
	}
	return pairs
}

func TestBatches(t *testing.T) {
	pairs := pairsOf(5)

	all := Batches(pairs, 2, PadID, nil, false)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[2].Size())
	assert.Equal(t, 14, all[2].Source[0][1])

	kept := Batches(pairs, 2, PadID, nil, true)
	assert.Len(t, kept, 2)

	assert.Nil(t, Batches(pairs, 0, PadID, nil, false))
	assert.Nil(t, Batches(nil, 2, PadID, nil, false))
}

func TestBatchesShuffleKeepsEveryPair(t *testing.T) {
	pairs := pairsOf(9)
	var seen []int
	for _, b := range Batches(pairs, 4, PadID, rand.New(rand.NewPCG(1, 2)), false) {
		for _, seq := range b.Source {
			seen = append(seen, seq[1])
		}
	}
	slices.Sort(seen)
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15, 16, 17, 18}, seen)
}

func TestShiftTargets(t *testing.T) {
	decoderInput, gold := ShiftTargets([][]int{{2, 4, 5, 3}, {2, 6, 3, 0}})
	assert.Equal(t, [][]int{{2, 4, 5}, {2, 6, 3}}, decoderInput)
	assert.Equal(t, [][]int{{4, 5, 3}, {6, 3, 0}}, gold)
}

func TestShuffleIndicesIsPermutation(t *testing.T) {
	idx := NewIndexList(20)
	ShuffleIndices(idx, rand.New(rand.NewPCG(3, 4)))
	sorted := slices.Clone(idx)
	slices.Sort(sorted)
	assert.Equal(t, NewIndexList(20), sorted)
}
