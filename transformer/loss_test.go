package transformer

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b0tShaman/transformer-go/ml"
)

func logitsOf(batch, length int, values ...float64) *Logits {
	vocab := len(values) / (batch * length)
	return newLogits(ml.NewMatrixFromSlice(batch*length, vocab, slices.Clone(values)), batch, length)
}

func crossEntropy(row []float64, target int) float64 {
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v)
	}
	return math.Log(sum) - row[target]
}

func TestLossWithoutPaddingIsMeanCrossEntropy(t *testing.T) {
	logits := logitsOf(2, 2,
		0.1, 0.5, -1, 2,
		1, 1, 1, 1,
		3, -2, 0.5, 0,
		-1, 0, 1, 2,
	)
	targets := [][]int{{3, 1}, {0, 2}}

	want := 0.0
	for b, seq := range targets {
		for i, id := range seq {
			want += crossEntropy(logits.Row(b, i), id)
		}
	}
	want /= 4

	// pad id 9 never occurs, so every position counts
	got, err := Loss(logits, targets, 9)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func TestLossDenominatorCountsOnlyNonPad(t *testing.T) {
	logits := logitsOf(1, 4,
		0.3, 1, 2, -1,
		5, 5, 5, 5,
		-3, 2, 1, 0,
		9, 0, 0, 0,
	)
	got, err := Loss(logits, [][]int{{2, 0, 0, 0}}, 0)
	require.NoError(t, err)
	assert.InDelta(t, crossEntropy(logits.Row(0, 0), 2), got, 1e-12)
}

func TestLossAllPadIsShapeError(t *testing.T) {
	logits := logitsOf(1, 2, 1, 2, 3, 4)
	_, err := Loss(logits, [][]int{{0, 0}}, 0)
	assert.ErrorIs(t, err, ErrShape)
	_, err = Accuracy(logits, [][]int{{0, 0}}, 0)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLossTargetShapeErrors(t *testing.T) {
	logits := logitsOf(1, 2, 1, 2, 3, 4)
	_, err := Loss(logits, [][]int{{1, 1, 1}}, 0)
	assert.ErrorIs(t, err, ErrShape)
	_, err = Loss(logits, [][]int{{1, 5}}, 0)
	assert.ErrorIs(t, err, ErrShape)
}

func TestAccuracy(t *testing.T) {
	logits := logitsOf(1, 3,
		0, 1, 0,
		2, 0, 0,
		0, 0, 7,
	)
	acc, err := Accuracy(logits, [][]int{{1, 2, 0}}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, acc, 1e-12)
}

func TestAccuracyInvariantToPositiveScaling(t *testing.T) {
	values := []float64{
		0.2, 1.5, -0.3,
		2, 0.1, 0.4,
		-1, 0, 0.5,
	}
	targets := [][]int{{1, 2, 2}}
	base := logitsOf(1, 3, values...)
	scaled := logitsOf(1, 3, values...)
	scaled.Values.Scale(3.5)
	require.Equal(t, values[0], base.At(0, 0, 0))
	require.Equal(t, 3.5*values[0], scaled.At(0, 0, 0))

	a1, err := Accuracy(base, targets, 0)
	require.NoError(t, err)
	a2, err := Accuracy(scaled, targets, 0)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	l1, err := Loss(base, targets, 0)
	require.NoError(t, err)
	l2, err := Loss(scaled, targets, 0)
	require.NoError(t, err)
	assert.NotEqual(t, l1, l2)
}

func TestLossNodeNonFiniteIsNumericalError(t *testing.T) {
	g := ml.NewInferenceGraph()
	logits := g.Constant(ml.NewMatrixFromSlice(1, 2, []float64{math.NaN(), 0}))
	_, err := LossNode(g, logits, [][]int{{1}}, 0, 1)
	assert.ErrorIs(t, err, ErrNumerical)
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 3, CountTokens([][]int{{1, 2, 0}, {4, 0, 0}}, 0))
}
