package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings used by the translation trainer (betas 0.9/0.98, eps 1e-9).
var DefaultAdamConfig = AdamConfig{
	Beta1:   0.9,
	Beta2:   0.98,
	Epsilon: 1e-9,
}

type OptimizerType string

type AdamConfig struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// OptimizerConfig selects and parameterises an optimizer. Zero values use defaults.
type OptimizerConfig struct {
	Type       OptimizerType
	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64
	AdamBeta2  float64
	AdamEps    float64
}

// Optimizer applies one update to every parameter with a gradient. lr is the
// already scheduled learning rate for this step.
type Optimizer interface {
	Update(params []*Parameter, grads map[*Parameter]*Matrix, lr float64)
}

type paramState struct {
	m, v *Matrix
}

type AdamOptimizer struct {
	cfg      AdamConfig
	states   map[*Parameter]*paramState
	timeStep int // 't' in the Adam paper, tracks number of updates
}

type MomentumOptimizer struct {
	Mu       float64 // Momentum Factor (usually 0.9)
	velocity map[*Parameter]*Matrix
}

type SGDOptimizer struct{}

func NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	switch cfg.Type {
	case OptAdam, "":
		adamCfg := DefaultAdamConfig
		if cfg.AdamBeta1 != 0 {
			adamCfg.Beta1 = cfg.AdamBeta1
		}
		if cfg.AdamBeta2 != 0 {
			adamCfg.Beta2 = cfg.AdamBeta2
		}
		if cfg.AdamEps != 0 {
			adamCfg.Epsilon = cfg.AdamEps
		}
		return NewAdamOptimizer(adamCfg), nil

	case OptMomentum:
		return NewMomentumOptimizer(cfg.MomentumMu), nil

	case OptSGD:
		return &SGDOptimizer{}, nil

	default:
		return nil, fmt.Errorf("ml: unknown optimizer %q", cfg.Type)
	}
}

func NewAdamOptimizer(cfg AdamConfig) *AdamOptimizer {
	return &AdamOptimizer{
		cfg:    cfg,
		states: make(map[*Parameter]*paramState),
	}
}

func NewMomentumOptimizer(mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default

	return &MomentumOptimizer{
		Mu:       mu,
		velocity: make(map[*Parameter]*Matrix),
	}
}

// ------ ADAM OPTIMIZER METHODS ------ //
// Update applies the Adam update rule to every parameter that received a gradient.
func (opt *AdamOptimizer) Update(params []*Parameter, grads map[*Parameter]*Matrix, lr float64) {
	// 1. Increment Time Step
	opt.timeStep++
	t := float64(opt.timeStep)

	// 2. Pre-calculate Correction Factors
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)
	beta1, beta2, eps := opt.cfg.Beta1, opt.cfg.Beta2, opt.cfg.Epsilon

	// 3. Loop Parameters
	for _, p := range params {
		grad, ok := grads[p]
		if !ok {
			continue
		}
		state, ok := opt.states[p]
		if !ok {
			state = &paramState{
				m: NewMatrix(p.Value.rows, p.Value.cols),
				v: NewMatrix(p.Value.rows, p.Value.cols),
			}
			opt.states[p] = state
		}

		values, g, m, v := p.Value.data, grad.data, state.m.data, state.v.data
		for i := range values {
			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = beta1*m[i] + (1.0-beta1)*g[i]
			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = beta2*v[i] + (1.0-beta2)*(g[i]*g[i])

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			values[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
func (opt *MomentumOptimizer) Update(params []*Parameter, grads map[*Parameter]*Matrix, lr float64) {
	for _, p := range params {
		grad, ok := grads[p]
		if !ok {
			continue
		}
		velocity, ok := opt.velocity[p]
		if !ok {
			velocity = NewMatrix(p.Value.rows, p.Value.cols)
			opt.velocity[p] = velocity
		}

		// v = mu * v + g
		// w = w - lr * v
		floats.Scale(opt.Mu, velocity.data)
		floats.Add(velocity.data, grad.data)
		floats.AddScaled(p.Value.data, -lr, velocity.data)
	}
}

// ------ SGD OPTIMIZER METHODS ------ //
func (opt *SGDOptimizer) Update(params []*Parameter, grads map[*Parameter]*Matrix, lr float64) {
	for _, p := range params {
		if grad, ok := grads[p]; ok {
			// Simple update: W = W - (lr * gradient)
			floats.AddScaled(p.Value.data, -lr, grad.data)
		}
	}
}
