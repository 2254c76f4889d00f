package transformer

import (
	"fmt"
	"math"

	"github.com/b0tShaman/transformer-go/ml"
)

// flattenTargets checks targets against a (batch, length) logits layout over
// vocab and returns them row-major together with the non-pad count.
func flattenTargets(targets [][]int, batch, length, vocab, pad int) ([]int, int, error) {
	tb, tl, err := sequenceShape("target", targets)
	if err != nil {
		return nil, 0, err
	}
	if tb != batch || tl != length {
		return nil, 0, fmt.Errorf("%w: targets (%d, %d) for logits (%d, %d, %d)", ErrShape, tb, tl, batch, length, vocab)
	}
	flat := make([]int, 0, batch*length)
	for b, seq := range targets {
		for i, id := range seq {
			if id != pad && (id < 0 || id >= vocab) {
				return nil, 0, fmt.Errorf("%w: target id %d at (%d, %d) outside vocabulary of %d", ErrShape, id, b, i, vocab)
			}
		}
		flat = append(flat, seq...)
	}
	return flat, ml.CountNot(flat, pad), nil
}

// LossNode records the masked cross-entropy of logits (Batch*Len × V) against
// targets on g. The sum over non-pad positions is divided by denom; pass the
// non-pad count of the whole batch when shards are summed later.
func LossNode(g *ml.Graph, logits *ml.Node, targets [][]int, pad int, denom int) (*ml.Node, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: target batch is empty", ErrShape)
	}
	flat, _, err := flattenTargets(targets, len(targets), len(targets[0]), logits.Cols(), pad)
	if err != nil {
		return nil, err
	}
	if len(flat) != logits.Rows() {
		return nil, fmt.Errorf("%w: %d targets for %d logit rows", ErrShape, len(flat), logits.Rows())
	}
	if denom <= 0 {
		return nil, fmt.Errorf("%w: no non-pad target positions", ErrShape)
	}
	loss := g.CrossEntropy(logits, flat, pad, float64(denom))
	if v := loss.Value().At(0, 0); math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: loss is %v", ErrNumerical, v)
	}
	return loss, nil
}

// Loss is the mean cross-entropy over positions whose target is not pad. Pad
// positions are excluded from both the sum and the count.
func Loss(logits *Logits, targets [][]int, pad int) (float64, error) {
	_, count, err := flattenTargets(targets, logits.Batch, logits.Len, logits.Vocab, pad)
	if err != nil {
		return 0, err
	}
	g := ml.NewInferenceGraph()
	loss, err := LossNode(g, g.Constant(logits.Values), targets, pad, count)
	if err != nil {
		return 0, err
	}
	return loss.Value().At(0, 0), nil
}

// Accuracy is the fraction of non-pad positions whose argmax equals the target.
func Accuracy(logits *Logits, targets [][]int, pad int) (float64, error) {
	flat, count, err := flattenTargets(targets, logits.Batch, logits.Len, logits.Vocab, pad)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: no non-pad target positions", ErrShape)
	}
	correct := 0
	for i, pred := range ml.Argmax(logits.Values) {
		if flat[i] != pad && pred == flat[i] {
			correct++
		}
	}
	return float64(correct) / float64(count), nil
}

// CountTokens returns the number of non-pad positions in targets.
func CountTokens(targets [][]int, pad int) int {
	n := 0
	for _, seq := range targets {
		n += ml.CountNot(seq, pad)
	}
	return n
}
