package ml

import (
	"fmt"
	"math/rand/v2"
)

// Parameter is a learned tensor owned by a model. Two consumers that hold the
// same *Parameter share one value and one gradient slot.
type Parameter struct {
	Name  string
	Value *Matrix
}

func NewParameter(name string, rows, cols int) *Parameter {
	return &Parameter{Name: name, Value: NewMatrix(rows, cols)}
}

// Node is a value recorded on a Graph together with the closure that pushes its
// gradient back to the nodes it was computed from.
type Node struct {
	g        *Graph
	value    *Matrix
	grad     *Matrix
	requires bool
	backward func()
}

func (n *Node) Value() *Matrix { return n.value }

// Grad returns the accumulated gradient, or nil when nothing flowed into n.
func (n *Node) Grad() *Matrix { return n.grad }

func (n *Node) Rows() int { return n.value.rows }
func (n *Node) Cols() int { return n.value.cols }

func (n *Node) RequiresGrad() bool { return n.requires }

func (n *Node) gradBuf() *Matrix {
	if n.grad == nil {
		n.grad = NewMatrix(n.value.rows, n.value.cols)
	}
	return n.grad
}

// Graph is a reverse-mode tape. Nodes are appended in creation order, so the
// reversed slice is a valid topological order for the backward sweep.
type Graph struct {
	nodes  []*Node
	params map[*Parameter]*Node
	noGrad bool
}

// NewGraph returns a tape that records backward closures.
func NewGraph() *Graph {
	return &Graph{params: make(map[*Parameter]*Node)}
}

// NewInferenceGraph returns a graph that only evaluates values.
func NewInferenceGraph() *Graph {
	return &Graph{params: make(map[*Parameter]*Node), noGrad: true}
}

// Param binds p into the graph. Binding the same parameter twice returns the
// same leaf, which is what makes tied weights accumulate into one gradient.
func (g *Graph) Param(p *Parameter) *Node {
	if n, ok := g.params[p]; ok {
		return n
	}
	n := &Node{g: g, value: p.Value, requires: !g.noGrad}
	g.params[p] = n
	g.nodes = append(g.nodes, n)
	return n
}

// Constant wraps m as a leaf that never receives gradient.
func (g *Graph) Constant(m *Matrix) *Node {
	n := &Node{g: g, value: m}
	g.nodes = append(g.nodes, n)
	return n
}

// newNode records an op result. backward is dropped when no input needs gradient.
func (g *Graph) newNode(value *Matrix, backward func(), inputs ...*Node) *Node {
	n := &Node{g: g, value: value}
	if !g.noGrad {
		for _, in := range inputs {
			if in.g != g {
				panic("ml: nodes from different graphs")
			}
			if in.requires {
				n.requires = true
				break
			}
		}
	}
	if n.requires {
		n.backward = backward
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Backward seeds d(loss)/d(loss) = 1 and sweeps the tape in reverse.
func (g *Graph) Backward(loss *Node) error {
	if loss.g != g {
		return fmt.Errorf("ml: loss node belongs to a different graph")
	}
	if loss.value.rows != 1 || loss.value.cols != 1 {
		return fmt.Errorf("ml: backward needs a scalar loss, got [%d, %d]", loss.value.rows, loss.value.cols)
	}
	if !loss.requires {
		return nil
	}
	loss.gradBuf().data[0] = 1.0

	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.backward != nil && n.grad != nil {
			n.backward()
		}
	}
	return nil
}

// Gradient returns the accumulated gradient of p, or nil if p was not used.
func (g *Graph) Gradient(p *Parameter) *Matrix {
	n, ok := g.params[p]
	if !ok {
		return nil
	}
	return n.grad
}

// Gradients collects every parameter gradient produced by the last Backward.
func (g *Graph) Gradients() map[*Parameter]*Matrix {
	out := make(map[*Parameter]*Matrix, len(g.params))
	for p, n := range g.params {
		if n.grad != nil {
			out[p] = n.grad
		}
	}
	return out
}

// NewRand builds a deterministic PCG-backed generator; every stochastic
// component takes one explicitly instead of using process-wide state.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
