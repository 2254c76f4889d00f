package transformer

import (
	"math"

	"github.com/b0tShaman/transformer-go/ml"
)

// Exponent factors of the two sinusoid tables. They differ between the
// strategies and are kept as they were tuned.
const (
	AdditiveScale   = 2.0
	ProjectionScale = 0.75
	timescale       = 10000.0
)

// PositionalEncoder injects position information without changing the shape
// of the hidden state.
type PositionalEncoder struct {
	strategy   PositionalStrategy
	size       int
	projection *Linear // Projection strategy only: 3*size -> size, no bias
}

func newPositionalEncoder(r *registry, name string, strategy PositionalStrategy, size int) *PositionalEncoder {
	pe := &PositionalEncoder{strategy: strategy, size: size}
	if strategy == Projection {
		pe.projection = newLinear(r, name+".projection", 3*size, size, false)
	}
	return pe
}

func (pe *PositionalEncoder) Forward(p *Pass, x Hidden) Hidden {
	switch pe.strategy {
	case Projection:
		sin, cos := ProjectionTables(x.Len, pe.size)
		joined := p.g.ConcatCols(x.X,
			p.g.Constant(tile(sin, x.Batch)),
			p.g.Constant(tile(cos, x.Batch)))
		return Hidden{X: pe.projection.Forward(p, joined), Batch: x.Batch, Len: x.Len}
	default:
		table := AdditiveTable(x.Len, pe.size)
		return Hidden{X: p.g.Add(x.X, p.g.Constant(tile(table, x.Batch))), Batch: x.Batch, Len: x.Len}
	}
}

// AdditiveTable returns the L×size table added by the Additive strategy:
// even feature 2k holds sin(pos / 10000^(2·2k/size)), odd feature 2k+1 the
// cosine of the same angle.
func AdditiveTable(length, size int) *ml.Matrix {
	table := ml.NewMatrix(length, size)
	for pos := 0; pos < length; pos++ {
		row := table.Row(pos)
		for f := range row {
			dim := float64(2 * (f / 2))
			angle := float64(pos) / math.Pow(timescale, AdditiveScale*dim/float64(size))
			if f%2 == 0 {
				row[f] = math.Sin(angle)
			} else {
				row[f] = math.Cos(angle)
			}
		}
	}
	return table
}

// ProjectionTables returns the L×size sine and cosine tables concatenated by
// the Projection strategy; feature d uses angle pos / 10000^(0.75·d/size).
func ProjectionTables(length, size int) (sin, cos *ml.Matrix) {
	sin, cos = ml.NewMatrix(length, size), ml.NewMatrix(length, size)
	for pos := 0; pos < length; pos++ {
		sRow, cRow := sin.Row(pos), cos.Row(pos)
		for d := 0; d < size; d++ {
			angle := float64(pos) / math.Pow(timescale, ProjectionScale*float64(d)/float64(size))
			sRow[d] = math.Sin(angle)
			cRow[d] = math.Cos(angle)
		}
	}
	return sin, cos
}

// tile stacks table batch times vertically.
func tile(table *ml.Matrix, batch int) *ml.Matrix {
	rows := table.Rows()
	out := ml.NewMatrix(batch*rows, table.Cols())
	for b := 0; b < batch; b++ {
		copy(out.Data()[b*rows*table.Cols():], table.Data())
	}
	return out
}
