package transformer

import "math"

// Scheduler maps the 1-based optimizer step to a learning rate.
type Scheduler interface {
	Rate(step int) float64
}

// WarmupAndDecay grows the rate linearly for Warmup steps and then decays it
// with the inverse square root of the step:
//
//	lr = Base · Size^-0.5 · min(step^-0.5, step · Warmup^-1.5)
type WarmupAndDecay struct {
	Base   float64
	Size   int
	Warmup int
}

func (s WarmupAndDecay) Rate(step int) float64 {
	if step < 1 {
		step = 1
	}
	warmup := max(s.Warmup, 1)
	st := float64(step)
	return s.Base * math.Pow(float64(s.Size), -0.5) *
		math.Min(math.Pow(st, -0.5), st*math.Pow(float64(warmup), -1.5))
}

// ConstantRate ignores the step.
type ConstantRate float64

func (c ConstantRate) Rate(int) float64 { return float64(c) }
