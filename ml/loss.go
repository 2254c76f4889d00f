package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CrossEntropy returns the summed negative log-likelihood of targets under
// softmax(logits), taken over rows whose target is not ignore, divided by
// denom. Ignored rows contribute neither value nor gradient.
func (g *Graph) CrossEntropy(logits *Node, targets []int, ignore int, denom float64) *Node {
	if len(targets) != logits.value.rows {
		panic(fmt.Sprintf("ml: %d targets for %d logit rows", len(targets), logits.value.rows))
	}
	vocab := logits.value.cols
	lse := make([]float64, len(targets))
	total := 0.0
	for i, t := range targets {
		if t == ignore {
			continue
		}
		if t < 0 || t >= vocab {
			panic(fmt.Sprintf("ml: target %d out of range (vocab: %d)", t, vocab))
		}
		row := logits.value.Row(i)
		lse[i] = floats.LogSumExp(row)
		total += lse[i] - row[t]
	}
	out := NewMatrix(1, 1)
	out.data[0] = total / denom

	var n *Node
	n = g.newNode(out, func() {
		scale := n.grad.data[0] / denom
		dL := logits.gradBuf()
		for i, t := range targets {
			if t == ignore {
				continue
			}
			row, dRow := logits.value.Row(i), dL.Row(i)
			for j, v := range row {
				dRow[j] += scale * math.Exp(v-lse[i])
			}
			dRow[t] -= scale
		}
	}, logits)
	return n
}

// CountNot returns how many targets differ from ignore.
func CountNot(targets []int, ignore int) int {
	count := 0
	for _, t := range targets {
		if t != ignore {
			count++
		}
	}
	return count
}

// Argmax returns the index of the largest entry of each row. Ties resolve to
// the lowest index.
func Argmax(m *Matrix) []int {
	out := make([]int, m.rows)
	for i := range out {
		out[i] = floats.MaxIdx(m.Row(i))
	}
	return out
}
