package continual

// Objective selects which scalar Model.Backward differentiates.
type Objective int

const (
	// ObjectiveTask is the supervised task loss of the last forward pass.
	ObjectiveTask Objective = iota

	// ObjectiveOutputNorm is the batch-mean L2 norm of the model output.
	// It does not depend on labels.
	ObjectiveOutputNorm
)

// String returns the objective name.
func (o Objective) String() string {
	switch o {
	case ObjectiveTask:
		return "task"
	case ObjectiveOutputNorm:
		return "output-norm"
	default:
		return "unknown"
	}
}

// Param is a named, flat parameter tensor.
type Param struct {
	// Name is the stable parameter identifier used in state dicts.
	Name string

	// Value holds the parameter values. Optimizers update it in place.
	Value []float64

	// Grad holds the accumulated gradient, same length as Value.
	Grad []float64

	// HasGrad reports whether the last backward pass reached this parameter.
	HasGrad bool
}

// ZeroGrad clears the gradient and marks the parameter untouched.
func (p *Param) ZeroGrad() {
	if len(p.Grad) != len(p.Value) {
		p.Grad = make([]float64, len(p.Value))
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
	p.HasGrad = false
}

// Prediction is the model output for one sample.
type Prediction struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Prob  float64 `json:"prob"`
}

// Output is the result of a forward pass.
type Output struct {
	// Loss is the batch-mean task loss.
	Loss float64

	// OutputNorm is the batch-mean L2 norm of the raw output vector.
	OutputNorm float64

	// Predictions holds one prediction per sample, in batch order.
	Predictions []Prediction
}

// Model is the trainable network. Its internals are opaque to the
// orchestration code, which only sees parameters and scalar objectives.
type Model interface {
	// Params returns the live parameters in a stable order.
	Params() []*Param

	// Forward runs the model on a batch. With train set the model keeps what
	// Backward needs.
	Forward(batch Batch, train bool) (*Output, error)

	// Backward accumulates d(objective*scale)/dparam for the most recent
	// training forward pass into Param.Grad.
	Backward(objective Objective, scale float64) error
}

// ZeroGrad clears the gradients of every parameter.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// StateDict copies parameter values into a name-keyed map.
func StateDict(m Model) map[string][]float64 {
	params := m.Params()
	out := make(map[string][]float64, len(params))
	for _, p := range params {
		v := make([]float64, len(p.Value))
		copy(v, p.Value)
		out[p.Name] = v
	}
	return out
}

// LoadStateDict copies values from a state dict into the model parameters.
// Every model parameter must be present with a matching length.
func LoadStateDict(m Model, state map[string][]float64) error {
	for _, p := range m.Params() {
		v, ok := state[p.Name]
		if !ok {
			return &StateDictError{Param: p.Name, Reason: "missing"}
		}
		if len(v) != len(p.Value) {
			return &StateDictError{Param: p.Name, Reason: "length mismatch"}
		}
		copy(p.Value, v)
	}
	return nil
}

// NumParams returns the total number of scalar parameters.
func NumParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}
