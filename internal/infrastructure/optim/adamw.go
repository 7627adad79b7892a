// Package optim provides the optimizer, learning-rate schedule and dynamic
// loss scaler used by the training loop. All three expose serializable state
// so a run can be checkpointed and resumed without drift.
package optim

import (
	"fmt"
	"math"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/shared"
)

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Step applies one update with the given learning rate. Parameters whose
	// HasGrad is false are left untouched.
	Step(params []*continual.Param, lr float64)

	// State returns a copy of the optimizer state.
	State() continual.OptimizerState

	// Load replaces the optimizer state.
	Load(state continual.OptimizerState) error
}

// AdamWConfig configures AdamW.
type AdamWConfig struct {
	Beta1       float64 `json:"beta1"`
	Beta2       float64 `json:"beta2"`
	Epsilon     float64 `json:"epsilon"`
	WeightDecay float64 `json:"weightDecay"`
}

// DefaultAdamWConfig returns the usual AdamW hyperparameters.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 0.01,
	}
}

// AdamW is Adam with decoupled weight decay.
//
//	theta *= 1 - lr*wd
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	theta -= lr * m_hat / (sqrt(v_hat) + eps)
type AdamW struct {
	config AdamWConfig
	step   int
	m      map[string][]float64
	v      map[string][]float64
}

// NewAdamW creates an AdamW optimizer with empty moments.
func NewAdamW(config AdamWConfig) *AdamW {
	return &AdamW{
		config: config,
		m:      make(map[string][]float64),
		v:      make(map[string][]float64),
	}
}

// Step implements Optimizer.
func (o *AdamW) Step(params []*continual.Param, lr float64) {
	o.step++
	bias1 := 1 - math.Pow(o.config.Beta1, float64(o.step))
	bias2 := 1 - math.Pow(o.config.Beta2, float64(o.step))

	for _, p := range params {
		if !p.HasGrad {
			continue
		}
		m, ok := o.m[p.Name]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok {
			v = make([]float64, len(p.Value))
			o.v[p.Name] = v
		}
		for i := range p.Value {
			g := p.Grad[i]
			p.Value[i] *= 1 - lr*o.config.WeightDecay
			m[i] = o.config.Beta1*m[i] + (1-o.config.Beta1)*g
			v[i] = o.config.Beta2*v[i] + (1-o.config.Beta2)*g*g
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p.Value[i] -= lr * mHat / (math.Sqrt(vHat) + o.config.Epsilon)
		}
	}
}

// Steps returns the number of updates applied so far.
func (o *AdamW) Steps() int {
	return o.step
}

// State implements Optimizer.
func (o *AdamW) State() continual.OptimizerState {
	return continual.OptimizerState{
		Step: o.step,
		M:    shared.CloneSliceMap(o.m),
		V:    shared.CloneSliceMap(o.v),
	}
}

// Load implements Optimizer.
func (o *AdamW) Load(state continual.OptimizerState) error {
	if state.Step < 0 {
		return fmt.Errorf("optimizer state: negative step %d", state.Step)
	}
	for name, m := range state.M {
		if v, ok := state.V[name]; !ok || len(v) != len(m) {
			return fmt.Errorf("optimizer state: moments of %s do not match", name)
		}
	}
	o.step = state.Step
	o.m = shared.CloneSliceMap(state.M)
	o.v = shared.CloneSliceMap(state.V)
	if o.m == nil {
		o.m = make(map[string][]float64)
	}
	if o.v == nil {
		o.v = make(map[string][]float64)
	}
	return nil
}
