package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/b0tShaman/transformer-go/ml"
)

// Pass carries the state of one forward computation: the tape it records on,
// whether dropout is active, and the generator dropout draws from.
type Pass struct {
	g     *ml.Graph
	train bool
	rng   *rand.Rand
}

// NewTrainingPass records gradients and samples dropout masks from rng.
func NewTrainingPass(rng *rand.Rand) *Pass {
	return &Pass{g: ml.NewGraph(), train: true, rng: rng}
}

// NewEvalPass evaluates values only; dropout is the identity.
func NewEvalPass() *Pass {
	return &Pass{g: ml.NewInferenceGraph()}
}

func (p *Pass) Graph() *ml.Graph { return p.g }

func (p *Pass) dropout(x *ml.Node, rate float64) *ml.Node {
	if !p.train || rate == 0 {
		return x
	}
	return p.g.Dropout(x, rate, p.rng)
}

// Hidden is a (Batch, Len, size) state stored as a Batch*Len × size matrix,
// sample-major.
type Hidden struct {
	X          *ml.Node
	Batch, Len int
}

func (h Hidden) Size() int { return h.X.Cols() }

// LayerInputs is everything a layer may consult besides its input state.
type LayerInputs struct {
	SelfMask   *Mask
	Memory     *Hidden // encoder states, decoder only
	MemoryMask *Mask
}

// Layer transforms a hidden state. Sublayers, encoder layers and decoder
// layers all satisfy it.
type Layer interface {
	Forward(p *Pass, x Hidden, in LayerInputs) (Hidden, error)
}

// -------- PARAMETER REGISTRY -------- //

// registry owns the model's parameters in creation order. An alias adds a
// second name for an existing parameter without creating a new tensor.
type registry struct {
	rng    *rand.Rand
	unique []*ml.Parameter
	names  []string
	byName map[string]*ml.Parameter
}

func newRegistry(rng *rand.Rand) *registry {
	return &registry{rng: rng, byName: make(map[string]*ml.Parameter)}
}

func (r *registry) add(name string, rows, cols int, init func(*ml.Matrix)) *ml.Parameter {
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("transformer: duplicate parameter %q", name))
	}
	p := ml.NewParameter(name, rows, cols)
	if init != nil {
		init(p.Value)
	}
	r.unique = append(r.unique, p)
	r.names = append(r.names, name)
	r.byName[name] = p
	return p
}

func (r *registry) alias(name string, p *ml.Parameter) {
	if r.byName[name] == p {
		return
	}
	if _, dup := r.byName[name]; dup {
		panic(fmt.Sprintf("transformer: duplicate parameter %q", name))
	}
	r.names = append(r.names, name)
	r.byName[name] = p
}

func (r *registry) xavier(m *ml.Matrix) { m.RandomizeXavier(r.rng) }

// embedding draws N(0, size^-1/2) rows and zeroes the pad row.
func (r *registry) embedding(pad int) func(*ml.Matrix) {
	return func(m *ml.Matrix) {
		m.RandomizeNormal(r.rng, 1/math.Sqrt(float64(m.Cols())))
		if pad >= 0 && pad < m.Rows() {
			clear(m.Row(pad))
		}
	}
}

func ones(m *ml.Matrix) { m.Fill(1) }

// -------- LINEAR -------- //

// Linear computes x·W + b with W stored (in × out). Bias is optional.
type Linear struct {
	Weight *ml.Parameter
	Bias   *ml.Parameter
}

func newLinear(r *registry, name string, in, out int, bias bool) *Linear {
	l := &Linear{Weight: r.add(name+".weight", in, out, r.xavier)}
	if bias {
		l.Bias = r.add(name+".bias", 1, out, nil)
	}
	return l
}

func (l *Linear) Forward(p *Pass, x *ml.Node) *ml.Node {
	y := p.g.MatMul(x, p.g.Param(l.Weight))
	if l.Bias != nil {
		y = p.g.AddRow(y, p.g.Param(l.Bias))
	}
	return y
}

// -------- LAYER NORM -------- //

type LayerNorm struct {
	Gain, Bias *ml.Parameter
	Eps        float64
}

func newLayerNorm(r *registry, name string, size int, eps float64) *LayerNorm {
	return &LayerNorm{
		Gain: r.add(name+".weight", 1, size, ones),
		Bias: r.add(name+".bias", 1, size, nil),
		Eps:  eps,
	}
}

func (n *LayerNorm) Forward(p *Pass, x *ml.Node) *ml.Node {
	return p.g.LayerNorm(x, p.g.Param(n.Gain), p.g.Param(n.Bias), n.Eps)
}
