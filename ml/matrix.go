package ml

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Matrix represents a dense matrix with a flat data slice for performance.
// The gonum wrapper shares the same backing slice.
type Matrix struct {
	rows, cols int
	data       []float64
	dense      *mat.Dense
}

// -------- CONSTRUCTORS ------- //
func NewMatrix(rows, cols int) *Matrix {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("ml: invalid matrix shape [%d, %d]", rows, cols))
	}
	data := make([]float64, rows*cols)
	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

func NewMatrixFromSlice(rows, cols int, data []float64) *Matrix {
	if len(data) != rows*cols {
		panic("Slice length mismatch")
	}

	return &Matrix{
		rows:  rows,
		cols:  cols,
		data:  data,
		dense: mat.NewDense(rows, cols, data),
	}
}

// ------- ACCESSORS ------ //
func (m *Matrix) Rows() int         { return m.rows }
func (m *Matrix) Cols() int         { return m.cols }
func (m *Matrix) Shape() [2]int     { return [2]int{m.rows, m.cols} }
func (m *Matrix) Data() []float64   { return m.data }
func (m *Matrix) Dense() *mat.Dense { return m.dense }

func (m *Matrix) At(i, j int) float64     { return m.data[i*m.cols+j] }
func (m *Matrix) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }

// Row returns a view of row i.
func (m *Matrix) Row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func (m *Matrix) Clone() *Matrix {
	out := NewMatrix(m.rows, m.cols)
	copy(out.data, m.data)
	return out
}

func (m *Matrix) SameShape(b *Matrix) bool {
	return m.rows == b.rows && m.cols == b.cols
}

// CopyFrom overwrites m with the contents of b. Shapes must match.
func (m *Matrix) CopyFrom(b *Matrix) {
	if !m.SameShape(b) {
		panic(fmt.Sprintf("ml: copy shape mismatch [%d, %d] <- [%d, %d]", m.rows, m.cols, b.rows, b.cols))
	}
	copy(m.data, b.data)
}

// IsFinite reports whether every entry is neither NaN nor ±Inf.
func (m *Matrix) IsFinite() bool {
	for _, v := range m.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ------- MATRIX METHODS ------ //
func (m *Matrix) GobEncode() ([]byte, error) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(m.rows); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.cols); err != nil {
		return nil, err
	}
	if err := encoder.Encode(m.data); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Matrix) GobDecode(buf []byte) error {
	r := bytes.NewBuffer(buf)
	decoder := gob.NewDecoder(r)
	if err := decoder.Decode(&m.rows); err != nil {
		return err
	}
	if err := decoder.Decode(&m.cols); err != nil {
		return err
	}
	if err := decoder.Decode(&m.data); err != nil {
		return err
	}
	if len(m.data) != m.rows*m.cols {
		return fmt.Errorf("ml: corrupt matrix: %d values for shape [%d, %d]", len(m.data), m.rows, m.cols)
	}

	// Re-create the wrapper after loading data
	m.dense = mat.NewDense(m.rows, m.cols, m.data)

	return nil
}

// Randomize fills m with He-normal values drawn from rng.
func (m *Matrix) Randomize(rng *rand.Rand) {
	scale := math.Sqrt(2.0 / float64(m.rows))
	for i := range m.data {
		m.data[i] = rng.NormFloat64() * scale
	}
}

func (m *Matrix) RandomizeXavier(rng *rand.Rand) {
	// limit = sqrt(6 / (fan_in + fan_out))
	limit := math.Sqrt(6.0 / float64(m.rows+m.cols))
	for i := range m.data {
		// Uniform distribution between -limit and limit
		m.data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func (m *Matrix) RandomizeNormal(rng *rand.Rand, std float64) {
	for i := range m.data {
		m.data[i] = rng.NormFloat64() * std
	}
}

func (m *Matrix) Fill(v float64) {
	for i := range m.data {
		m.data[i] = v
	}
}

func (m *Matrix) Reset() {
	for i := range m.data {
		m.data[i] = 0.0
	}
}

func (m *Matrix) Add(b *Matrix) {
	m.dense.Add(m.dense, b.dense)
}

func (m *Matrix) Subtract(b *Matrix) {
	m.dense.Sub(m.dense, b.dense)
}

func (m *Matrix) Scale(f float64) {
	m.dense.Scale(f, m.dense)
}

// ------ UTILITY FUNCTIONS ------
func MatMul(a, b mat.Matrix, out *Matrix) {
	out.dense.Mul(a, b)
}

// MatMul using pure go (no BLAS)
func MatMulGo(a, b, out *Matrix) {
	const blockSize = 64
	if a.cols != b.rows || out.rows != a.rows || out.cols != b.cols {
		panic("Shape mismatch")
	}
	out.Reset()
	for i := 0; i < a.rows; i += blockSize {
		for j := 0; j < b.cols; j += blockSize {
			for k := 0; k < a.cols; k += blockSize {
				iMax, jMax, kMax := min(i+blockSize, a.rows), min(j+blockSize, b.cols), min(k+blockSize, a.cols)
				for ii := i; ii < iMax; ii++ {
					rowOffsetOut := ii * out.cols
					for kk := k; kk < kMax; kk++ {
						scalar := a.data[ii*a.cols+kk]
						rowOffsetB := kk * b.cols
						for jj := j; jj < jMax; jj++ {
							out.data[rowOffsetOut+jj] += scalar * b.data[rowOffsetB+jj]
						}
					}
				}
			}
		}
	}
}
