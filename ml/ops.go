package ml

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// accumulateMul adds a*b into dst.
func accumulateMul(dst *Matrix, a, b mat.Matrix) {
	tmp := NewMatrix(dst.rows, dst.cols)
	MatMul(a, b, tmp)
	floats.Add(dst.data, tmp.data)
}

// -------- LINEAR ALGEBRA -------- //

// MatMul returns a·b.
func (g *Graph) MatMul(a, b *Node) *Node {
	if a.value.cols != b.value.rows {
		panic(fmt.Sprintf("ml: matmul shape mismatch [%d, %d] x [%d, %d]", a.value.rows, a.value.cols, b.value.rows, b.value.cols))
	}
	out := NewMatrix(a.value.rows, b.value.cols)
	MatMul(a.value.dense, b.value.dense, out)

	var n *Node
	n = g.newNode(out, func() {
		// dA = dC * B^T, dB = A^T * dC
		if a.requires {
			accumulateMul(a.gradBuf(), n.grad.dense, b.value.dense.T())
		}
		if b.requires {
			accumulateMul(b.gradBuf(), a.value.dense.T(), n.grad.dense)
		}
	}, a, b)
	return n
}

// MatMulT returns a·bᵀ. Used where a weight is stored row-per-output, as with
// an embedding table reused for the output projection.
func (g *Graph) MatMulT(a, b *Node) *Node {
	if a.value.cols != b.value.cols {
		panic(fmt.Sprintf("ml: matmulT shape mismatch [%d, %d] x [%d, %d]^T", a.value.rows, a.value.cols, b.value.rows, b.value.cols))
	}
	out := NewMatrix(a.value.rows, b.value.rows)
	MatMul(a.value.dense, b.value.dense.T(), out)

	var n *Node
	n = g.newNode(out, func() {
		// dA = dC * B, dB = dC^T * A
		if a.requires {
			accumulateMul(a.gradBuf(), n.grad.dense, b.value.dense)
		}
		if b.requires {
			accumulateMul(b.gradBuf(), n.grad.dense.T(), a.value.dense)
		}
	}, a, b)
	return n
}

// -------- ELEMENTWISE -------- //

// Add returns a+b for equally shaped inputs. Neither input is modified.
func (g *Graph) Add(a, b *Node) *Node {
	if !a.value.SameShape(b.value) {
		panic(fmt.Sprintf("ml: add shape mismatch [%d, %d] + [%d, %d]", a.value.rows, a.value.cols, b.value.rows, b.value.cols))
	}
	out := a.value.Clone()
	out.Add(b.value)

	var n *Node
	n = g.newNode(out, func() {
		if a.requires {
			floats.Add(a.gradBuf().data, n.grad.data)
		}
		if b.requires {
			floats.Add(b.gradBuf().data, n.grad.data)
		}
	}, a, b)
	return n
}

// AddRow broadcasts a 1×cols row (a bias) over every row of a.
func (g *Graph) AddRow(a, row *Node) *Node {
	if row.value.rows != 1 || row.value.cols != a.value.cols {
		panic(fmt.Sprintf("ml: bias shape [%d, %d] does not broadcast over [%d, %d]", row.value.rows, row.value.cols, a.value.rows, a.value.cols))
	}
	out := a.value.Clone()
	for i := 0; i < out.rows; i++ {
		floats.Add(out.Row(i), row.value.data)
	}

	var n *Node
	n = g.newNode(out, func() {
		if a.requires {
			floats.Add(a.gradBuf().data, n.grad.data)
		}
		if row.requires {
			dRow := row.gradBuf().data
			for i := 0; i < n.grad.rows; i++ {
				floats.Add(dRow, n.grad.Row(i))
			}
		}
	}, a, row)
	return n
}

func (g *Graph) ReLU(a *Node) *Node {
	out := a.value.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}

	var n *Node
	n = g.newNode(out, func() {
		dA := a.gradBuf().data
		for i, v := range a.value.data {
			if v > 0 {
				dA[i] += n.grad.data[i]
			}
		}
	}, a)
	return n
}

// Dropout zeroes each activation with probability p and rescales survivors by
// 1/(1-p). With p == 0 the input node is returned unchanged.
func (g *Graph) Dropout(a *Node, p float64, rng *rand.Rand) *Node {
	if p <= 0 {
		return a
	}
	if p >= 1 {
		panic(fmt.Sprintf("ml: dropout probability %v out of range", p))
	}
	scale := 1.0 / (1.0 - p)
	mask := make([]float64, len(a.value.data))
	out := NewMatrix(a.value.rows, a.value.cols)
	for i, v := range a.value.data {
		if rng.Float64() >= p {
			mask[i] = scale
			out.data[i] = v * scale
		}
	}

	var n *Node
	n = g.newNode(out, func() {
		dA := a.gradBuf().data
		for i, m := range mask {
			dA[i] += n.grad.data[i] * m
		}
	}, a)
	return n
}

// -------- NORMALIZATION -------- //

// LayerNorm normalises every row of a to zero mean and unit variance, then
// applies the 1×cols gain and bias.
func (g *Graph) LayerNorm(a, gain, bias *Node, eps float64) *Node {
	rows, cols := a.value.rows, a.value.cols
	if gain.value.cols != cols || bias.value.cols != cols || gain.value.rows != 1 || bias.value.rows != 1 {
		panic(fmt.Sprintf("ml: layernorm params do not match width %d", cols))
	}
	out := NewMatrix(rows, cols)
	xhat := NewMatrix(rows, cols)
	invStd := make([]float64, rows)
	gamma, beta := gain.value.data, bias.value.data

	for i := 0; i < rows; i++ {
		x := a.value.Row(i)
		mean := floats.Sum(x) / float64(cols)
		variance := 0.0
		for _, v := range x {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		invStd[i] = 1.0 / math.Sqrt(variance+eps)

		xh, y := xhat.Row(i), out.Row(i)
		for j, v := range x {
			xh[j] = (v - mean) * invStd[i]
			y[j] = xh[j]*gamma[j] + beta[j]
		}
	}

	var n *Node
	n = g.newNode(out, func() {
		dxhat := make([]float64, cols)
		for i := 0; i < rows; i++ {
			dy, xh := n.grad.Row(i), xhat.Row(i)
			if gain.requires {
				dGamma := gain.gradBuf().data
				for j := range dy {
					dGamma[j] += dy[j] * xh[j]
				}
			}
			if bias.requires {
				floats.Add(bias.gradBuf().data, dy)
			}
			if a.requires {
				floats.MulTo(dxhat, dy, gamma)
				meanD := floats.Sum(dxhat) / float64(cols)
				meanDX := floats.Dot(dxhat, xh) / float64(cols)
				dx := a.gradBuf().Row(i)
				for j := range dx {
					dx[j] += invStd[i] * (dxhat[j] - meanD - xh[j]*meanDX)
				}
			}
		}
	}, a, gain, bias)
	return n
}

// -------- GATHER / CONCAT -------- //

// Gather selects rows of table by id. Rows looked up with id == skip produce
// no gradient; pass a negative skip to disable that.
func (g *Graph) Gather(table *Node, ids []int, skip int) *Node {
	if len(ids) == 0 {
		panic("ml: gather with no ids")
	}
	cols := table.value.cols
	out := NewMatrix(len(ids), cols)
	for i, id := range ids {
		if id < 0 || id >= table.value.rows {
			panic(fmt.Sprintf("ml: id %d out of bounds (rows: %d)", id, table.value.rows))
		}
		copy(out.Row(i), table.value.Row(id))
	}

	var n *Node
	n = g.newNode(out, func() {
		dT := table.gradBuf()
		for i, id := range ids {
			if id == skip {
				continue
			}
			floats.Add(dT.Row(id), n.grad.Row(i))
		}
	}, table)
	return n
}

// ConcatCols joins equally tall inputs side by side.
func (g *Graph) ConcatCols(parts ...*Node) *Node {
	rows, cols := parts[0].value.rows, 0
	for _, p := range parts {
		if p.value.rows != rows {
			panic(fmt.Sprintf("ml: concat row mismatch %d vs %d", p.value.rows, rows))
		}
		cols += p.value.cols
	}
	out := NewMatrix(rows, cols)
	offset := 0
	for _, p := range parts {
		w := p.value.cols
		for i := 0; i < rows; i++ {
			copy(out.Row(i)[offset:offset+w], p.value.Row(i))
		}
		offset += w
	}

	var n *Node
	n = g.newNode(out, func() {
		offset := 0
		for _, p := range parts {
			w := p.value.cols
			if p.requires {
				dP := p.gradBuf()
				for i := 0; i < rows; i++ {
					floats.Add(dP.Row(i), n.grad.Row(i)[offset:offset+w])
				}
			}
			offset += w
		}
	}, parts...)
	return n
}
