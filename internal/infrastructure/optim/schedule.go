package optim

import "github.com/StOnEGiggity/ViLCo/internal/domain/continual"

// LinearWarmup ramps the learning rate linearly from 0 to the base rate over
// the warmup steps, then decays it linearly to 0 at the total step count.
type LinearWarmup struct {
	baseLR   float64
	warmup   int
	total    int
	lastStep int
}

// NewLinearWarmup creates a schedule positioned at step 0.
func NewLinearWarmup(baseLR float64, warmup, total int) *LinearWarmup {
	return &LinearWarmup{baseLR: baseLR, warmup: warmup, total: total}
}

// LR returns the learning rate for the current step.
func (s *LinearWarmup) LR() float64 {
	return s.baseLR * s.factor(s.lastStep)
}

func (s *LinearWarmup) factor(step int) float64 {
	if step < s.warmup {
		return float64(step) / float64(max(1, s.warmup))
	}
	f := float64(s.total-step) / float64(max(1, s.total-s.warmup))
	if f < 0 {
		return 0
	}
	return f
}

// Step advances the schedule by one optimizer step.
func (s *LinearWarmup) Step() {
	s.lastStep++
}

// State returns the schedule position.
func (s *LinearWarmup) State() continual.SchedulerState {
	return continual.SchedulerState{LastStep: s.lastStep, BaseLR: s.baseLR}
}

// Load restores the schedule position. The base rate of the checkpoint wins
// so a resumed run continues on the same curve.
func (s *LinearWarmup) Load(state continual.SchedulerState) {
	s.lastStep = state.LastStep
	if state.BaseLR > 0 {
		s.baseLR = state.BaseLR
	}
}
