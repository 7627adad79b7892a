package optim

import (
	"math"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// ScalerConfig configures dynamic loss scaling.
type ScalerConfig struct {
	// Enabled turns scaling on. A disabled scaler uses scale 1 and never skips.
	Enabled bool `json:"enabled"`

	// InitScale is the starting loss scale.
	InitScale float64 `json:"initScale"`

	// GrowthFactor multiplies the scale after GrowthInterval clean steps.
	GrowthFactor float64 `json:"growthFactor"`

	// BackoffFactor multiplies the scale after an overflow.
	BackoffFactor float64 `json:"backoffFactor"`

	// GrowthInterval is the number of consecutive clean steps before growth.
	GrowthInterval int `json:"growthInterval"`
}

// DefaultScalerConfig returns the conventional dynamic scaling settings.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{
		Enabled:        true,
		InitScale:      65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler implements dynamic loss scaling: the loss is multiplied by the
// scale before backward, gradients are unscaled before the optimizer step,
// and steps with overflowing gradients are skipped while the scale backs off.
type GradScaler struct {
	config        ScalerConfig
	scale         float64
	growthTracker int
	skipped       int
	foundInf      bool
}

// NewGradScaler creates a scaler at its initial scale.
func NewGradScaler(config ScalerConfig) *GradScaler {
	s := &GradScaler{config: config, scale: 1}
	if config.Enabled {
		s.scale = config.InitScale
	}
	return s
}

// Scale returns the factor to apply to the loss before backward.
func (s *GradScaler) Scale() float64 {
	return s.scale
}

// Step unscales the gradients and runs the optimizer unless any gradient is
// non-finite. It reports whether the optimizer stepped.
func (s *GradScaler) Step(opt Optimizer, params []*continual.Param, lr float64) bool {
	s.foundInf = false
	if s.config.Enabled {
		inv := 1 / s.scale
		for _, p := range params {
			if !p.HasGrad {
				continue
			}
			for i, g := range p.Grad {
				g *= inv
				if math.IsNaN(g) || math.IsInf(g, 0) {
					s.foundInf = true
				}
				p.Grad[i] = g
			}
		}
	}
	if s.foundInf {
		return false
	}
	opt.Step(params, lr)
	return true
}

// Update adjusts the scale after a Step call.
func (s *GradScaler) Update() {
	if !s.config.Enabled {
		return
	}
	if s.foundInf {
		s.scale *= s.config.BackoffFactor
		s.growthTracker = 0
		s.skipped++
		return
	}
	s.skipped = 0
	s.growthTracker++
	if s.growthTracker >= s.config.GrowthInterval {
		s.scale *= s.config.GrowthFactor
		s.growthTracker = 0
	}
}

// ConsecutiveSkips returns how many optimizer steps in a row were skipped.
func (s *GradScaler) ConsecutiveSkips() int {
	return s.skipped
}

// State returns the scaler state.
func (s *GradScaler) State() continual.ScalerState {
	return continual.ScalerState{
		Scale:         s.scale,
		GrowthTracker: s.growthTracker,
		Skipped:       s.skipped,
	}
}

// Load restores the scaler state.
func (s *GradScaler) Load(state continual.ScalerState) {
	if state.Scale > 0 {
		s.scale = state.Scale
	}
	s.growthTracker = state.GrowthTracker
	s.skipped = state.Skipped
}
