package regularization

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/shared"
)

// BatchSource yields the batches of one pass over a task.
type BatchSource interface {
	Batches() []continual.Batch
}

// GradSyncer makes gradients identical across ranks.
type GradSyncer interface {
	Sync(ctx context.Context, params []*continual.Param) error
}

// Config configures a Tracker.
type Config struct {
	// Method selects the importance estimator.
	Method continual.Method `json:"method"`

	// Lambda is the penalty strength.
	Lambda float64 `json:"lambda"`

	// Gamma decays the previous EWC importance before the new task is
	// added. 1 keeps a running sum.
	Gamma float64 `json:"gamma"`

	// MaxBatches bounds the importance pass. 0 means the whole task.
	MaxBatches int `json:"maxBatches"`
}

// DefaultConfig returns the default configuration for a method.
func DefaultConfig(method continual.Method) Config {
	return Config{
		Method: method,
		Lambda: 1.0,
		Gamma:  1.0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := continual.ParseMethod(string(c.Method)); err != nil {
		return err
	}
	if c.Lambda < 0 || math.IsNaN(c.Lambda) {
		return fmt.Errorf("regularization lambda %v must be >= 0", c.Lambda)
	}
	if c.Method == continual.MethodEWC && (c.Gamma <= 0 || c.Gamma > 1) {
		return fmt.Errorf("ewc gamma %v must be in (0, 1]", c.Gamma)
	}
	if c.MaxBatches < 0 {
		return fmt.Errorf("importance batches %d must be >= 0", c.MaxBatches)
	}
	return nil
}

// Tracker accumulates parameter importance at task boundaries and penalizes
// drift away from the parameters of earlier tasks.
type Tracker struct {
	mu     sync.RWMutex
	config Config
	sync   GradSyncer
	logger *slog.Logger
	state  *continual.RegularizationState
	stats  Stats
}

// NewTracker creates an empty tracker. syncer may be nil on a single rank.
func NewTracker(config Config, syncer GradSyncer, logger *slog.Logger) (*Tracker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	method, _ := continual.ParseMethod(string(config.Method))
	config.Method = method
	return &Tracker{
		config: config,
		sync:   syncer,
		logger: logger,
		state:  emptyState(method),
		stats:  Stats{Method: method},
	}, nil
}

func emptyState(method continual.Method) *continual.RegularizationState {
	return &continual.RegularizationState{
		Method: method,
		Params: make(map[string]continual.ParamImportance),
	}
}

// Method returns the configured method.
func (t *Tracker) Method() continual.Method {
	return t.config.Method
}

// Empty reports whether no task has been consolidated.
func (t *Tracker) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Empty()
}

// OnTaskComplete runs the importance pass for a finished task and merges
// the result into the consolidated state. The pass computes gradients but
// never updates parameters. A task that was already consolidated is
// skipped, so replays after a resume leave the state unchanged.
func (t *Tracker) OnTaskComplete(ctx context.Context, task int, src BatchSource, model continual.Model) error {
	if t.config.Method == continual.MethodNone {
		return nil
	}

	t.mu.RLock()
	done := t.state.HasTask(task)
	t.mu.RUnlock()
	if done {
		t.logger.Info("importance already recorded", "task", task, "method", t.config.Method)
		return nil
	}

	params := model.Params()
	acc := newAccumulator(t.config.Method, params)
	batches := src.Batches()
	if t.config.MaxBatches > 0 && len(batches) > t.config.MaxBatches {
		batches = batches[:t.config.MaxBatches]
	}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		continual.ZeroGrad(params)
		if _, err := model.Forward(batch, true); err != nil {
			return fmt.Errorf("importance forward batch %d: %w", i, err)
		}
		if err := model.Backward(acc.Objective(), 1); err != nil {
			return fmt.Errorf("importance backward batch %d: %w", i, err)
		}
		if t.sync != nil {
			if err := t.sync.Sync(ctx, params); err != nil {
				return fmt.Errorf("importance gradient sync: %w", err)
			}
		}
		acc.Add(params)
	}
	continual.ZeroGrad(params)

	fresh := acc.Mean()

	t.mu.Lock()
	defer t.mu.Unlock()

	prior := len(t.state.Tasks)
	next := make(map[string]continual.ParamImportance, len(params))
	for _, p := range params {
		var old []float64
		if imp, ok := t.state.Params[p.Name]; ok {
			old = imp.Importance
		}
		next[p.Name] = continual.ParamImportance{
			Importance: merge(t.config.Method, t.config.Gamma, prior, old, fresh[p.Name]),
			Reference:  shared.CloneSlice(p.Value),
		}
	}
	t.state.Params = next
	t.state.Tasks = append(t.state.Tasks, task)
	t.stats.TaskCount = len(t.state.Tasks)
	summarize(t.state, &t.stats)

	t.logger.Info("importance consolidated",
		"task", task,
		"method", t.config.Method,
		"batches", acc.batches,
		"avg_importance", t.stats.AvgImportance,
		"max_importance", t.stats.MaxImportance,
	)
	return nil
}

// Penalty returns lambda * sum F*(theta-theta*)^2 over all parameters. It is
// zero before the first task is consolidated.
func (t *Tracker) Penalty(params []*continual.Param) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Empty() {
		return 0
	}
	var sum float64
	for _, p := range params {
		if imp, ok := t.state.Params[p.Name]; ok {
			sum += penalty(imp, p.Value)
		}
	}
	loss := t.config.Lambda * sum
	t.stats.PenaltyEvals++
	t.stats.LastPenalty = loss
	return loss
}

// AccumulateGrad adds scale * d(Penalty)/d(theta) = scale * 2*lambda*F*(theta-theta*)
// to the parameter gradients and marks the parameters as reached.
func (t *Tracker) AccumulateGrad(params []*continual.Param, scale float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.state.Empty() || t.config.Lambda == 0 {
		return
	}
	k := scale * 2 * t.config.Lambda
	for _, p := range params {
		imp, ok := t.state.Params[p.Name]
		if !ok {
			continue
		}
		if len(p.Grad) != len(p.Value) {
			p.Grad = make([]float64, len(p.Value))
		}
		n := minLen(len(p.Value), len(imp.Importance), len(imp.Reference))
		for i := 0; i < n; i++ {
			p.Grad[i] += k * imp.Importance[i] * (p.Value[i] - imp.Reference[i])
		}
		p.HasGrad = true
	}
}

// Drift returns the importance-weighted RMS distance of params from the
// reference values, 0 when nothing has been consolidated.
func (t *Tracker) Drift(params []*continual.Param) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var weighted, total float64
	for _, p := range params {
		imp, ok := t.state.Params[p.Name]
		if !ok {
			continue
		}
		weighted += penalty(imp, p.Value)
		for _, f := range imp.Importance {
			total += f
		}
	}
	if total == 0 {
		return 0
	}
	return math.Sqrt(weighted / total)
}

// State returns a deep copy of the consolidated state.
func (t *Tracker) State() *continual.RegularizationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneState(t.state)
}

// Restore replaces the consolidated state, typically from a checkpoint.
// A nil state resets the tracker.
func (t *Tracker) Restore(state *continual.RegularizationState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if state == nil {
		t.state = emptyState(t.config.Method)
		t.stats = Stats{Method: t.config.Method}
		return nil
	}
	if !state.Empty() && state.Method != t.config.Method {
		return fmt.Errorf("regularization state was produced by %q, tracker uses %q", state.Method, t.config.Method)
	}
	t.state = cloneState(state)
	t.state.Method = t.config.Method
	if t.state.Params == nil {
		t.state.Params = make(map[string]continual.ParamImportance)
	}
	t.stats.TaskCount = len(t.state.Tasks)
	summarize(t.state, &t.stats)
	return nil
}

// Stats returns tracker statistics.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func cloneState(s *continual.RegularizationState) *continual.RegularizationState {
	out := &continual.RegularizationState{
		Method: s.Method,
		Tasks:  shared.CloneSlice(s.Tasks),
		Params: make(map[string]continual.ParamImportance, len(s.Params)),
	}
	for name, imp := range s.Params {
		out.Params[name] = continual.ParamImportance{
			Importance: shared.CloneSlice(imp.Importance),
			Reference:  shared.CloneSlice(imp.Reference),
		}
	}
	return out
}
