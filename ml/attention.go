package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// AttentionShape tells the fused attention op how the rows of its inputs are
// laid out: q holds Batch*LenQ rows, k and v hold Batch*LenK rows, and every
// row is split into Heads contiguous column blocks.
type AttentionShape struct {
	Batch, LenQ, LenK, Heads int
}

// AllowFunc reports whether query i of sample b may attend to key j.
type AllowFunc func(b, i, j int) bool

// block returns the (rows, cols) window of m belonging to sample b and head h.
func block(m *Matrix, b, seqLen, h, headDim int) *mat.Dense {
	return m.dense.Slice(b*seqLen, (b+1)*seqLen, h*headDim, (h+1)*headDim).(*mat.Dense)
}

// ScaledDotProductAttention computes softmax(QKᵀ/sqrt(d) + mask)·V for every
// (sample, head) pair and writes the heads side by side. Disallowed scores are
// set to -Inf so their weights are exactly zero. A query row with no allowed
// key therefore yields NaN, which the caller must treat as a numerical failure.
//
// The returned weights are indexed [b*Heads+h] with shape LenQ×LenK; they are
// the same matrices the backward pass reads and must not be modified.
func (g *Graph) ScaledDotProductAttention(q, k, v *Node, s AttentionShape, allow AllowFunc) (*Node, []*Matrix) {
	size := q.value.cols
	if s.Heads <= 0 || size%s.Heads != 0 {
		panic(fmt.Sprintf("ml: width %d not divisible by %d heads", size, s.Heads))
	}
	if q.value.rows != s.Batch*s.LenQ || k.value.rows != s.Batch*s.LenK || v.value.rows != s.Batch*s.LenK {
		panic(fmt.Sprintf("ml: attention rows q=%d k=%d v=%d do not match batch %d x (%d, %d)",
			q.value.rows, k.value.rows, v.value.rows, s.Batch, s.LenQ, s.LenK))
	}
	if k.value.cols != size || v.value.cols != size {
		panic("ml: attention q/k/v widths differ")
	}
	headDim := size / s.Heads
	scale := 1.0 / math.Sqrt(float64(headDim))
	negInf := math.Inf(-1)

	out := NewMatrix(q.value.rows, size)
	weights := make([]*Matrix, s.Batch*s.Heads)

	for b := 0; b < s.Batch; b++ {
		for h := 0; h < s.Heads; h++ {
			qb := block(q.value, b, s.LenQ, h, headDim)
			kb := block(k.value, b, s.LenK, h, headDim)
			vb := block(v.value, b, s.LenK, h, headDim)

			// 1. Scores = Q * K^T
			scores := NewMatrix(s.LenQ, s.LenK)
			MatMul(qb, kb.T(), scores)

			// 2. Masking & Scaling
			for i := 0; i < s.LenQ; i++ {
				row := scores.Row(i)
				for j := range row {
					if allow != nil && !allow(b, i, j) {
						row[j] = negInf
					} else {
						row[j] *= scale
					}
				}
			}

			// 3. Softmax (in place)
			SoftmaxRow(scores)
			weights[b*s.Heads+h] = scores

			// 4. Head output = Scores * V, written into its column block
			block(out, b, s.LenQ, h, headDim).Mul(scores.dense, vb)
		}
	}

	var n *Node
	n = g.newNode(out, func() {
		for b := 0; b < s.Batch; b++ {
			for h := 0; h < s.Heads; h++ {
				S := weights[b*s.Heads+h]
				dOut := block(n.grad, b, s.LenQ, h, headDim)
				qb := block(q.value, b, s.LenQ, h, headDim)
				kb := block(k.value, b, s.LenK, h, headDim)
				vb := block(v.value, b, s.LenK, h, headDim)

				// dV = S^T * dOut
				if v.requires {
					dV := block(v.gradBuf(), b, s.LenK, h, headDim)
					var tmp mat.Dense
					tmp.Mul(S.dense.T(), dOut)
					dV.Add(dV, &tmp)
				}

				if !q.requires && !k.requires {
					continue
				}

				// dS = dOut * V^T, then softmax derivative:
				// dRaw_ij = S_ij * (dS_ij - sum_k S_ik dS_ik)
				dS := NewMatrix(s.LenQ, s.LenK)
				MatMul(dOut, vb.T(), dS)
				for i := 0; i < s.LenQ; i++ {
					sRow, dRow := S.Row(i), dS.Row(i)
					dot := 0.0
					for j := range sRow {
						if sRow[j] != 0 {
							dot += sRow[j] * dRow[j]
						}
					}
					for j := range sRow {
						if sRow[j] == 0 {
							dRow[j] = 0
							continue
						}
						dRow[j] = sRow[j] * (dRow[j] - dot) * scale
					}
				}

				// dQ = dRaw * K, dK = dRaw^T * Q
				if q.requires {
					dQ := block(q.gradBuf(), b, s.LenQ, h, headDim)
					var tmp mat.Dense
					tmp.Mul(dS.dense, kb)
					dQ.Add(dQ, &tmp)
				}
				if k.requires {
					dK := block(k.gradBuf(), b, s.LenK, h, headDim)
					var tmp mat.Dense
					tmp.Mul(dS.dense.T(), qb)
					dK.Add(dK, &tmp)
				}
			}
		}
	}, q, k, v)
	return n, weights
}

// SoftmaxRow applies softmax to each row of the matrix.
func SoftmaxRow(m *Matrix) {
	for i := 0; i < m.rows; i++ {
		row := m.Row(i)
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - maxVal)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}
