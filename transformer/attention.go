package transformer

import (
	"fmt"

	"github.com/b0tShaman/transformer-go/ml"
)

// MultiHeadAttention projects queries, keys and values, attends per head with
// scaled dot products and projects the concatenated heads back to size.
type MultiHeadAttention struct {
	Query, Key, Value, Output *Linear
	heads                     int
}

func newMultiHeadAttention(r *registry, name string, size, heads int) *MultiHeadAttention {
	return &MultiHeadAttention{
		Query:  newLinear(r, name+".query", size, size, true),
		Key:    newLinear(r, name+".key", size, size, true),
		Value:  newLinear(r, name+".value", size, size, true),
		Output: newLinear(r, name+".output", size, size, true),
		heads:  heads,
	}
}

// Attend runs attention of q over kv. mask may be nil (everything visible).
func (a *MultiHeadAttention) Attend(p *Pass, q, kv Hidden, mask *Mask) (Hidden, error) {
	out, _, err := a.AttendWithWeights(p, q, kv, mask)
	return out, err
}

// AttendWithWeights also returns the attention weights, indexed
// [b*heads+h], each LenQ × LenK.
func (a *MultiHeadAttention) AttendWithWeights(p *Pass, q, kv Hidden, mask *Mask) (Hidden, []*ml.Matrix, error) {
	if err := checkAttentionShapes(q, kv, mask, a.heads); err != nil {
		return Hidden{}, nil, err
	}

	query := a.Query.Forward(p, q.X)
	key := a.Key.Forward(p, kv.X)
	value := a.Value.Forward(p, kv.X)

	var allow ml.AllowFunc
	if mask != nil {
		allow = mask.Allowed
	}
	shape := ml.AttentionShape{Batch: q.Batch, LenQ: q.Len, LenK: kv.Len, Heads: a.heads}
	heads, weights := p.g.ScaledDotProductAttention(query, key, value, shape, allow)

	return Hidden{X: a.Output.Forward(p, heads), Batch: q.Batch, Len: q.Len}, weights, nil
}

func checkAttentionShapes(q, kv Hidden, mask *Mask, heads int) error {
	if q.Size()%heads != 0 {
		return fmt.Errorf("%w: size %d not divisible by %d heads", ErrShape, q.Size(), heads)
	}
	if q.Batch != kv.Batch || q.Size() != kv.Size() {
		return fmt.Errorf("%w: query (%d, %d, %d) vs key/value (%d, %d, %d)",
			ErrShape, q.Batch, q.Len, q.Size(), kv.Batch, kv.Len, kv.Size())
	}
	if mask == nil {
		return nil
	}
	s := mask.Shape()
	if s[2] != kv.Len || (s[0] != 1 && s[0] != q.Batch) || (s[1] != 1 && s[1] != q.Len) {
		return fmt.Errorf("%w: mask %v does not fit queries (%d, %d) over %d keys", ErrShape, s, q.Batch, q.Len, kv.Len)
	}
	return nil
}
