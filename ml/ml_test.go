package ml

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weightedSum reduces a to sum_ij a_ij * w_ij so any op output can be checked
// through a scalar loss.
func (g *Graph) weightedSum(a *Node, w *Matrix) *Node {
	out := NewMatrix(1, 1)
	for i, v := range a.value.data {
		out.data[0] += v * w.data[i]
	}
	var n *Node
	n = g.newNode(out, func() {
		dA := a.gradBuf().data
		for i := range dA {
			dA[i] += n.grad.data[0] * w.data[i]
		}
	}, a)
	return n
}

func randomParam(name string, rows, cols int, seed uint64) *Parameter {
	p := NewParameter(name, rows, cols)
	p.Value.RandomizeNormal(NewRand(seed), 1)
	return p
}

// checkGradients compares the tape gradient of every param against central
// finite differences of the loss sum(build(g) * R) for a fixed random R.
func checkGradients(t *testing.T, params []*Parameter, build func(g *Graph) *Node) {
	t.Helper()
	const eps, tol = 1e-6, 1e-5

	g := NewGraph()
	out := build(g)
	weights := NewMatrix(out.Rows(), out.Cols())
	weights.RandomizeNormal(NewRand(99), 1)

	loss := g.weightedSum(out, weights)
	require.NoError(t, g.Backward(loss))

	eval := func() float64 {
		g := NewInferenceGraph()
		return g.weightedSum(build(g), weights).Value().At(0, 0)
	}

	for _, p := range params {
		analytic := g.Gradient(p)
		require.NotNil(t, analytic, "no gradient for %s", p.Name)
		for i := range p.Value.data {
			orig := p.Value.data[i]
			p.Value.data[i] = orig + eps
			plus := eval()
			p.Value.data[i] = orig - eps
			minus := eval()
			p.Value.data[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic.data[i], tol*math.Max(1, math.Abs(numeric)),
				"%s[%d]", p.Name, i)
		}
	}
}

func TestGradMatMul(t *testing.T) {
	a, b := randomParam("a", 3, 4, 1), randomParam("b", 4, 2, 2)
	checkGradients(t, []*Parameter{a, b}, func(g *Graph) *Node {
		return g.MatMul(g.Param(a), g.Param(b))
	})
}

func TestGradMatMulT(t *testing.T) {
	a, b := randomParam("a", 3, 4, 1), randomParam("b", 5, 4, 2)
	checkGradients(t, []*Parameter{a, b}, func(g *Graph) *Node {
		return g.MatMulT(g.Param(a), g.Param(b))
	})
}

func TestGradTiedParameter(t *testing.T) {
	w := randomParam("w", 4, 4, 3)
	checkGradients(t, []*Parameter{w}, func(g *Graph) *Node {
		x := g.MatMul(g.Param(w), g.Param(w))
		return g.MatMulT(x, g.Param(w))
	})
}

func TestGradAddAndAddRow(t *testing.T) {
	a, b, bias := randomParam("a", 3, 4, 1), randomParam("b", 3, 4, 2), randomParam("bias", 1, 4, 3)
	checkGradients(t, []*Parameter{a, b, bias}, func(g *Graph) *Node {
		return g.AddRow(g.Add(g.Param(a), g.Param(b)), g.Param(bias))
	})
}

func TestGradReLU(t *testing.T) {
	a := randomParam("a", 4, 5, 4)
	// keep entries away from the kink at 0
	for i, v := range a.Value.data {
		if math.Abs(v) < 0.1 {
			a.Value.data[i] = 0.5
		}
	}
	checkGradients(t, []*Parameter{a}, func(g *Graph) *Node {
		return g.ReLU(g.Param(a))
	})
}

func TestGradDropout(t *testing.T) {
	a := randomParam("a", 4, 6, 5)
	checkGradients(t, []*Parameter{a}, func(g *Graph) *Node {
		return g.Dropout(g.Param(a), 0.3, NewRand(7))
	})
}

func TestGradLayerNorm(t *testing.T) {
	a, gain, bias := randomParam("a", 3, 6, 1), randomParam("gain", 1, 6, 2), randomParam("bias", 1, 6, 3)
	checkGradients(t, []*Parameter{a, gain, bias}, func(g *Graph) *Node {
		return g.LayerNorm(g.Param(a), g.Param(gain), g.Param(bias), 1e-5)
	})
}

func TestGradGatherConcat(t *testing.T) {
	table, other := randomParam("table", 5, 3, 1), randomParam("other", 4, 2, 2)
	checkGradients(t, []*Parameter{table, other}, func(g *Graph) *Node {
		rows := g.Gather(g.Param(table), []int{1, 3, 1, 4}, 0)
		return g.ConcatCols(rows, g.Param(other))
	})
}

func TestGatherSkipsPadGradient(t *testing.T) {
	table := randomParam("table", 4, 3, 1)
	g := NewGraph()
	out := g.Gather(g.Param(table), []int{0, 2, 0}, 0)
	ones := NewMatrix(out.Rows(), out.Cols())
	ones.Fill(1)
	require.NoError(t, g.Backward(g.weightedSum(out, ones)))

	grad := g.Gradient(table)
	assert.Equal(t, []float64{0, 0, 0}, grad.Row(0))
	assert.Equal(t, []float64{1, 1, 1}, grad.Row(2))
}

func TestGradAttention(t *testing.T) {
	const batch, lq, lk, heads, size = 2, 3, 4, 2, 4
	q := randomParam("q", batch*lq, size, 1)
	k := randomParam("k", batch*lk, size, 2)
	v := randomParam("v", batch*lk, size, 3)
	allow := func(b, i, j int) bool { return j <= i+b } // every row keeps key 0
	checkGradients(t, []*Parameter{q, k, v}, func(g *Graph) *Node {
		out, _ := g.ScaledDotProductAttention(g.Param(q), g.Param(k), g.Param(v),
			AttentionShape{Batch: batch, LenQ: lq, LenK: lk, Heads: heads}, allow)
		return out
	})
}

func TestGradCrossEntropy(t *testing.T) {
	logits := randomParam("logits", 4, 5, 1)
	targets := []int{2, 0, 4, 1}
	checkGradients(t, []*Parameter{logits}, func(g *Graph) *Node {
		return g.CrossEntropy(g.Param(logits), targets, 0, 3)
	})
}

func TestCrossEntropyIgnoresRows(t *testing.T) {
	m := NewMatrixFromSlice(2, 3, []float64{
		1, 2, 3,
		100, -100, 0, // ignored row, would dominate otherwise
	})
	g := NewInferenceGraph()
	got := g.CrossEntropy(g.Constant(m), []int{2, 0}, 0, 1).Value().At(0, 0)

	want := math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3)) - 3
	assert.InDelta(t, want, got, 1e-12)
	assert.Equal(t, 1, CountNot([]int{2, 0}, 0))
}

func TestAttentionWeights(t *testing.T) {
	const batch, l, heads, size = 2, 4, 2, 4
	q, k, v := randomParam("q", batch*l, size, 1), randomParam("k", batch*l, size, 2), randomParam("v", batch*l, size, 3)
	causal := func(_, i, j int) bool { return j <= i }

	g := NewInferenceGraph()
	_, weights := g.ScaledDotProductAttention(g.Param(q), g.Param(k), g.Param(v),
		AttentionShape{Batch: batch, LenQ: l, LenK: l, Heads: heads}, causal)
	require.Len(t, weights, batch*heads)

	for _, w := range weights {
		for i := 0; i < l; i++ {
			sum := 0.0
			for j, x := range w.Row(i) {
				sum += x
				if j > i {
					assert.Less(t, x, 1e-6)
				}
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
		}
	}
}

func TestAttentionFullyMaskedRowIsNaN(t *testing.T) {
	q, k, v := randomParam("q", 2, 2, 1), randomParam("k", 2, 2, 2), randomParam("v", 2, 2, 3)
	none := func(_, i, _ int) bool { return i == 0 }

	g := NewInferenceGraph()
	out, _ := g.ScaledDotProductAttention(g.Param(q), g.Param(k), g.Param(v),
		AttentionShape{Batch: 1, LenQ: 2, LenK: 2, Heads: 1}, none)
	assert.False(t, out.Value().IsFinite())
	for _, x := range out.Value().Row(0) {
		assert.False(t, math.IsNaN(x))
	}
}

func TestInferenceGraphRecordsNoGradient(t *testing.T) {
	a := randomParam("a", 2, 2, 1)
	g := NewInferenceGraph()
	out := g.MatMul(g.Param(a), g.Param(a))
	assert.False(t, out.RequiresGrad())
	require.NoError(t, g.Backward(g.weightedSum(out, NewMatrix(2, 2))))
	assert.Nil(t, g.Gradient(a))
}

func TestBackwardNeedsScalar(t *testing.T) {
	a := randomParam("a", 2, 2, 1)
	g := NewGraph()
	assert.Error(t, g.Backward(g.Param(a)))
}

func TestArgmaxTiesToLowestIndex(t *testing.T) {
	m := NewMatrixFromSlice(2, 3, []float64{1, 3, 3, -1, -2, -1})
	assert.Equal(t, []int{1, 0}, Argmax(m))
}

func TestMatMulGoMatchesGonum(t *testing.T) {
	a, b := randomParam("a", 70, 65, 1).Value, randomParam("b", 65, 90, 2).Value
	want, got := NewMatrix(70, 90), NewMatrix(70, 90)
	MatMul(a.dense, b.dense, want)
	MatMulGo(a, b, got)
	assert.InDeltaSlice(t, want.data, got.data, 1e-9)
}

func TestMatrixGobRoundTrip(t *testing.T) {
	m := randomParam("m", 3, 2, 1).Value
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(m))

	var back Matrix
	require.NoError(t, gob.NewDecoder(&buf).Decode(&back))
	assert.Equal(t, m.Shape(), back.Shape())
	assert.Equal(t, m.Data(), back.Data())
	assert.Equal(t, m.At(2, 1), back.Dense().At(2, 1))
}

// -------- OPTIMIZERS -------- //

func optimizerFixture() (*Parameter, map[*Parameter]*Matrix) {
	p := NewParameter("w", 1, 3)
	copy(p.Value.data, []float64{1, 2, 3})
	grad := NewMatrixFromSlice(1, 3, []float64{0.5, -1, 0})
	return p, map[*Parameter]*Matrix{p: grad}
}

func TestSGDUpdate(t *testing.T) {
	p, grads := optimizerFixture()
	opt, err := NewOptimizer(OptimizerConfig{Type: OptSGD})
	require.NoError(t, err)
	opt.Update([]*Parameter{p}, grads, 0.1)
	assert.InDeltaSlice(t, []float64{0.95, 2.1, 3}, p.Value.data, 1e-12)
}

func TestMomentumUpdate(t *testing.T) {
	p, grads := optimizerFixture()
	opt, err := NewOptimizer(OptimizerConfig{Type: OptMomentum, MomentumMu: 0.9})
	require.NoError(t, err)
	opt.Update([]*Parameter{p}, grads, 0.1)
	opt.Update([]*Parameter{p}, grads, 0.1)
	// v1 = g, v2 = 1.9 g; total step 0.1 * 2.9 g
	assert.InDeltaSlice(t, []float64{1 - 0.145, 2 + 0.29, 3}, p.Value.data, 1e-12)
}

func TestAdamFirstStepIsSignTimesRate(t *testing.T) {
	p, grads := optimizerFixture()
	opt, err := NewOptimizer(OptimizerConfig{})
	require.NoError(t, err)
	require.IsType(t, &AdamOptimizer{}, opt)

	opt.Update([]*Parameter{p}, grads, 0.01)
	assert.InDeltaSlice(t, []float64{0.99, 2.01, 3}, p.Value.data, 1e-6)
}

func TestOptimizerSkipsParametersWithoutGradient(t *testing.T) {
	p, _ := optimizerFixture()
	opt, err := NewOptimizer(OptimizerConfig{Type: OptAdam})
	require.NoError(t, err)
	opt.Update([]*Parameter{p}, map[*Parameter]*Matrix{}, 0.1)
	assert.Equal(t, []float64{1, 2, 3}, p.Value.data)
}

func TestUnknownOptimizer(t *testing.T) {
	_, err := NewOptimizer(OptimizerConfig{Type: "rmsprop"})
	assert.Error(t, err)
}

// -------- BENCHMARKS -------- //

var result *Matrix // Global variable to prevent compiler optimizations

func benchmarkMatMul(b *testing.B, size int, method string) {
	rng := NewRand(1)
	m1, m2, out := NewMatrix(size, size), NewMatrix(size, size), NewMatrix(size, size)
	m1.Randomize(rng)
	m2.Randomize(rng)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if method == "Native" {
			MatMulGo(m1, m2, out)
		} else {
			MatMul(m1.dense, m2.dense, out)
		}
	}
	result = out
}

func BenchmarkMatMul_Native_64(b *testing.B)  { benchmarkMatMul(b, 64, "Native") }
func BenchmarkMatMul_Gonum_64(b *testing.B)   { benchmarkMatMul(b, 64, "Gonum") }
func BenchmarkMatMul_Native_256(b *testing.B) { benchmarkMatMul(b, 256, "Native") }
func BenchmarkMatMul_Gonum_256(b *testing.B)  { benchmarkMatMul(b, 256, "Gonum") }

func benchmarkAttention(b *testing.B, batch, l, heads, size int, backward bool) {
	q, k, v := randomParam("q", batch*l, size, 1), randomParam("k", batch*l, size, 2), randomParam("v", batch*l, size, 3)
	causal := func(_, i, j int) bool { return j <= i }
	ones := NewMatrix(batch*l, size)
	ones.Fill(1)
	shape := AttentionShape{Batch: batch, LenQ: l, LenK: l, Heads: heads}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		g := NewGraph()
		out, _ := g.ScaledDotProductAttention(g.Param(q), g.Param(k), g.Param(v), shape, causal)
		if backward {
			_ = g.Backward(g.weightedSum(out, ones))
		}
		result = out.Value()
	}
}

func BenchmarkAttention_Forward_32x64(b *testing.B)  { benchmarkAttention(b, 32, 64, 4, 128, false) }
func BenchmarkAttention_Backward_32x64(b *testing.B) { benchmarkAttention(b, 32, 64, 4, 128, true) }
