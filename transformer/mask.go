package transformer

import "fmt"

// Mask marks which key positions each query may attend to. Its shape is
// (batch, rows, keys); a batch or row extent of 1 broadcasts.
type Mask struct {
	batch, rows, keys int
	allowed           []bool
}

func newMask(batch, rows, keys int) *Mask {
	return &Mask{batch: batch, rows: rows, keys: keys, allowed: make([]bool, batch*rows*keys)}
}

// Shape returns (batch, rows, keys).
func (m *Mask) Shape() [3]int { return [3]int{m.batch, m.rows, m.keys} }

// Allowed reports whether query i of sample b may attend to key j.
func (m *Mask) Allowed(b, i, j int) bool {
	if m.batch == 1 {
		b = 0
	}
	if m.rows == 1 {
		i = 0
	}
	return m.allowed[(b*m.rows+i)*m.keys+j]
}

func (m *Mask) set(b, i, j int, v bool) {
	m.allowed[(b*m.rows+i)*m.keys+j] = v
}

// PaddingMask hides padded keys: the result has shape (B, 1, len(key[0])) and
// is true where key[b][j] != pad. Queries are never masked.
func PaddingMask(query, key [][]int, pad int) (*Mask, error) {
	qb, _, err := sequenceShape("query", query)
	if err != nil {
		return nil, err
	}
	kb, kl, err := sequenceShape("key", key)
	if err != nil {
		return nil, err
	}
	if qb != kb {
		return nil, fmt.Errorf("%w: query batch %d, key batch %d", ErrShape, qb, kb)
	}

	m := newMask(kb, 1, kl)
	for b, seq := range key {
		for j, id := range seq {
			m.set(b, 0, j, id != pad)
		}
	}
	return m, nil
}

// CausalMask returns a (1, L, L) lower-triangular mask: position i sees 0..i.
func CausalMask(seq [][]int) (*Mask, error) {
	_, l, err := sequenceShape("sequence", seq)
	if err != nil {
		return nil, err
	}

	m := newMask(1, l, l)
	for i := 0; i < l; i++ {
		for j := 0; j <= i; j++ {
			m.set(0, i, j, true)
		}
	}
	return m, nil
}

// And returns the elementwise conjunction of m and o under broadcasting.
func (m *Mask) And(o *Mask) (*Mask, error) {
	if m.keys != o.keys {
		return nil, fmt.Errorf("%w: masks over %d and %d keys", ErrShape, m.keys, o.keys)
	}
	batch, err := broadcastDim("batch", m.batch, o.batch)
	if err != nil {
		return nil, err
	}
	rows, err := broadcastDim("query", m.rows, o.rows)
	if err != nil {
		return nil, err
	}

	out := newMask(batch, rows, m.keys)
	for b := 0; b < batch; b++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < m.keys; j++ {
				out.set(b, i, j, m.Allowed(b, i, j) && o.Allowed(b, i, j))
			}
		}
	}
	return out, nil
}

// DecoderSelfMask combines the causal mask with the decoder input's own
// padding mask.
func DecoderSelfMask(decoderInput [][]int, pad int) (*Mask, error) {
	causal, err := CausalMask(decoderInput)
	if err != nil {
		return nil, err
	}
	padding, err := PaddingMask(decoderInput, decoderInput, pad)
	if err != nil {
		return nil, err
	}
	return causal.And(padding)
}

func broadcastDim(name string, a, b int) (int, error) {
	switch {
	case a == b:
		return a, nil
	case a == 1:
		return b, nil
	case b == 1:
		return a, nil
	}
	return 0, fmt.Errorf("%w: %s extents %d and %d do not broadcast", ErrShape, name, a, b)
}

// sequenceShape checks the rank-2 (batch, length) contract.
func sequenceShape(name string, ids [][]int) (batch, length int, err error) {
	if len(ids) == 0 {
		return 0, 0, fmt.Errorf("%w: %s batch is empty", ErrShape, name)
	}
	length = len(ids[0])
	if length == 0 {
		return 0, 0, fmt.Errorf("%w: %s sequences are empty", ErrShape, name)
	}
	for b, seq := range ids {
		if len(seq) != length {
			return 0, 0, fmt.Errorf("%w: %s row %d has length %d, want %d", ErrShape, name, b, len(seq), length)
		}
	}
	return len(ids), length, nil
}
