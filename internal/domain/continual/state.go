package continual

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Method names a regularization policy.
type Method string

const (
	// MethodNone disables regularization.
	MethodNone Method = "none"

	// MethodEWC is elastic weight consolidation (Fisher importance).
	MethodEWC Method = "ewc"

	// MethodMAS is memory aware synapses (output-sensitivity importance).
	MethodMAS Method = "mas"
)

// ParseMethod parses a method name. The empty string maps to MethodNone.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case "", MethodNone:
		return MethodNone, nil
	case MethodEWC:
		return MethodEWC, nil
	case MethodMAS:
		return MethodMAS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// MemorySize is the replay capacity: a sample count or unbounded ("ALL").
type MemorySize struct {
	All bool
	N   int
}

// Unbounded returns the "ALL" memory size.
func Unbounded() MemorySize {
	return MemorySize{All: true}
}

// Samples returns a finite memory size.
func Samples(n int) MemorySize {
	return MemorySize{N: n}
}

// IsZero reports whether replay is disabled.
func (m MemorySize) IsZero() bool {
	return !m.All && m.N == 0
}

// String renders the size as it appears in configuration.
func (m MemorySize) String() string {
	if m.All {
		return "ALL"
	}
	return strconv.Itoa(m.N)
}

// UnmarshalText accepts an integer or "ALL".
func (m *MemorySize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "ALL") {
		*m = Unbounded()
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("memory size %q: want an integer or ALL", s)
	}
	if n < 0 {
		return fmt.Errorf("memory size %d: must not be negative", n)
	}
	*m = Samples(n)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m MemorySize) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// MarshalJSON encodes the size as a number or the string "ALL".
func (m MemorySize) MarshalJSON() ([]byte, error) {
	if m.All {
		return json.Marshal("ALL")
	}
	return json.Marshal(m.N)
}

// UnmarshalJSON accepts a number or the string "ALL".
func (m *MemorySize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return m.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("memory size: %w", err)
	}
	return m.UnmarshalText([]byte(strconv.Itoa(n)))
}

// Budget is the number of exemplars one task may keep.
type Budget struct {
	All bool `json:"all"`
	N   int  `json:"n"`
}

// String renders the budget.
func (b Budget) String() string {
	if b.All {
		return "ALL"
	}
	return strconv.Itoa(b.N)
}

// ParamImportance is the regularization record of one parameter.
type ParamImportance struct {
	// Importance is the per-element importance weight (Fisher diagonal or
	// MAS sensitivity).
	Importance []float64 `json:"importance"`

	// Reference is the parameter value at the end of the last task.
	Reference []float64 `json:"reference"`
}

// RegularizationState is the consolidated regularization state across tasks.
type RegularizationState struct {
	// Method is the policy that produced the importances.
	Method Method `json:"method"`

	// Tasks lists the task indices already consolidated, in order.
	Tasks []int `json:"tasks"`

	// Params maps parameter names to their importance and reference values.
	Params map[string]ParamImportance `json:"params"`
}

// Empty reports whether no task has been consolidated yet.
func (s *RegularizationState) Empty() bool {
	return s == nil || len(s.Tasks) == 0
}

// HasTask reports whether a task was already consolidated.
func (s *RegularizationState) HasTask(task int) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// ReplaySnapshot is the persisted content of the replay memory.
type ReplaySnapshot struct {
	Capacity     MemorySize       `json:"capacity"`
	Divisor      int              `json:"divisor"`
	Tasks        map[int][]Sample `json:"tasks"`
	Consolidated []int            `json:"consolidated"`
}

// OptimizerState is the serializable AdamW state.
type OptimizerState struct {
	Step int                  `json:"step"`
	M    map[string][]float64 `json:"m"`
	V    map[string][]float64 `json:"v"`
}

// SchedulerState is the serializable learning-rate schedule position.
type SchedulerState struct {
	LastStep int     `json:"lastStep"`
	BaseLR   float64 `json:"baseLr"`
}

// ScalerState is the serializable dynamic loss-scaler state.
type ScalerState struct {
	Scale         float64 `json:"scale"`
	GrowthTracker int     `json:"growthTracker"`
	Skipped       int     `json:"skipped"`
}
