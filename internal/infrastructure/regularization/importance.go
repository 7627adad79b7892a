// Package regularization provides the EWC and MAS regularization tracker.
package regularization

import (
	"math"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/shared"
)

// accumulator collects per-element importance over the batches of one task.
type accumulator struct {
	method  continual.Method
	sums    map[string][]float64
	batches int
}

func newAccumulator(method continual.Method, params []*continual.Param) *accumulator {
	sums := make(map[string][]float64, len(params))
	for _, p := range params {
		sums[p.Name] = make([]float64, len(p.Value))
	}
	return &accumulator{method: method, sums: sums}
}

// Objective returns the scalar whose gradient measures importance.
// EWC: squared task-loss gradients (diagonal Fisher).
// MAS: absolute gradients of the output norm.
func (a *accumulator) Objective() continual.Objective {
	if a.method == continual.MethodMAS {
		return continual.ObjectiveOutputNorm
	}
	return continual.ObjectiveTask
}

// Add folds the gradients of one batch into the sums. Parameters the batch
// did not reach contribute nothing.
func (a *accumulator) Add(params []*continual.Param) {
	for _, p := range params {
		if !p.HasGrad {
			continue
		}
		sum := a.sums[p.Name]
		for i, g := range p.Grad {
			if a.method == continual.MethodMAS {
				sum[i] += math.Abs(g)
			} else {
				sum[i] += g * g
			}
		}
	}
	a.batches++
}

// Mean returns the per-batch mean importance.
func (a *accumulator) Mean() map[string][]float64 {
	out := make(map[string][]float64, len(a.sums))
	for name, sum := range a.sums {
		mean := make([]float64, len(sum))
		if a.batches > 0 {
			for i, v := range sum {
				mean[i] = v / float64(a.batches)
			}
		}
		out[name] = mean
	}
	return out
}

// merge combines the consolidated importance of earlier tasks with the
// importance of a newly finished task.
//
// EWC:  F = gamma*F_old + F_new
// MAS:  F = (n*F_old + F_new) / (n+1), n = number of earlier tasks
func merge(method continual.Method, gamma float64, prior int, old, fresh []float64) []float64 {
	if old == nil {
		return shared.CloneSlice(fresh)
	}
	out := make([]float64, len(fresh))
	for i := range fresh {
		var prev float64
		if i < len(old) {
			prev = old[i]
		}
		switch method {
		case continual.MethodMAS:
			n := float64(prior)
			out[i] = (n*prev + fresh[i]) / (n + 1)
		default:
			out[i] = gamma*prev + fresh[i]
		}
	}
	return out
}

// penalty computes sum F*(theta-theta*)^2 for one parameter.
func penalty(imp continual.ParamImportance, value []float64) float64 {
	var sum float64
	n := minLen(len(value), len(imp.Importance), len(imp.Reference))
	for i := 0; i < n; i++ {
		d := value[i] - imp.Reference[i]
		sum += imp.Importance[i] * d * d
	}
	return sum
}

func minLen(a int, rest ...int) int {
	for _, b := range rest {
		if b < a {
			a = b
		}
	}
	return a
}

// Stats summarizes the consolidated importances.
type Stats struct {
	Method         continual.Method `json:"method"`
	TaskCount      int              `json:"taskCount"`
	ParameterCount int              `json:"parameterCount"`
	AvgImportance  float64          `json:"avgImportance"`
	MaxImportance  float64          `json:"maxImportance"`
	Sparsity       float64          `json:"sparsity"`
	PenaltyEvals   int64            `json:"penaltyEvals"`
	LastPenalty    float64          `json:"lastPenalty"`
}

func summarize(state *continual.RegularizationState, s *Stats) {
	var sum float64
	zeros := 0
	s.ParameterCount = 0
	s.MaxImportance = 0
	for _, name := range shared.SortedStringKeys(state.Params) {
		for _, v := range state.Params[name].Importance {
			sum += v
			if v > s.MaxImportance {
				s.MaxImportance = v
			}
			if v == 0 {
				zeros++
			}
			s.ParameterCount++
		}
	}
	if s.ParameterCount > 0 {
		s.AvgImportance = sum / float64(s.ParameterCount)
		s.Sparsity = float64(zeros) / float64(s.ParameterCount)
	}
}
