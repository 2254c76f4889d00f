package data

import "gonum.org/v1/gonum/floats"

// Mean accumulates values and reports their average.
type Mean struct {
	sum   float64
	count int
}

func (m *Mean) Update(values ...float64) {
	m.sum += floats.Sum(values)
	m.count += len(values)
}

// Compute returns the average so far, 0 when nothing was recorded.
func (m *Mean) Compute() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *Mean) Count() int { return m.count }

// ComputeAndReset returns the average and clears the accumulator.
func (m *Mean) ComputeAndReset() float64 {
	v := m.Compute()
	*m = Mean{}
	return v
}
