package continual

import (
	"errors"
	"fmt"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/optim"
)

// ResumeStatus is the outcome of a resume attempt.
type ResumeStatus string

const (
	// ResumeNone means no checkpoint was found; training starts from scratch.
	ResumeNone ResumeStatus = "none"

	// ResumeRestored means the state was restored from the last checkpoint.
	ResumeRestored ResumeStatus = "restored"

	// ResumeCorrupt means a checkpoint exists but could not be used; training
	// starts from scratch.
	ResumeCorrupt ResumeStatus = "corrupt"
)

// ResumeResult describes where a run continues.
type ResumeResult struct {
	Status ResumeStatus `json:"status"`
	Task   int          `json:"task"`
	Epoch  int          `json:"epoch"`
	RunID  string       `json:"runId,omitempty"`
	Err    error        `json:"-"`
}

// resume restores the last checkpoint. Every failure leaves the training
// state untouched, so the caller can always continue from the result.
func (o *Orchestrator) resume() ResumeResult {
	cpt, err := o.store.Load(domain.CheckpointLast)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		return ResumeResult{Status: ResumeNone}
	}
	if err != nil {
		return ResumeResult{Status: ResumeCorrupt, Err: err}
	}
	res, err := o.restore(cpt)
	if err != nil {
		return ResumeResult{Status: ResumeCorrupt, Err: fmt.Errorf("%w: %w", domain.ErrCheckpointCorrupt, err)}
	}
	return res
}

func (o *Orchestrator) restore(cpt *domain.Checkpoint) (ResumeResult, error) {
	res := ResumeResult{Status: ResumeRestored, RunID: cpt.RunID}
	if cpt.CurrentTask != nil {
		res.Task = *cpt.CurrentTask
	}
	if cpt.Epoch != nil {
		res.Epoch = *cpt.Epoch
	}
	if res.Task < 0 || res.Task > o.train.NumTasks() || res.Epoch < 0 {
		return res, fmt.Errorf("position task %d epoch %d outside a %d-task run", res.Task, res.Epoch, o.train.NumTasks())
	}
	if cpt.Optimizer != nil {
		if err := optim.NewAdamW(o.adamConfig()).Load(*cpt.Optimizer); err != nil {
			return res, err
		}
	}
	if cpt.History != nil {
		for i, row := range cpt.History.Rows {
			if len(row) != i+1 {
				return res, fmt.Errorf("history row %d has %d values", i, len(row))
			}
		}
	}

	initial := domain.StateDict(o.model)
	prevReg := o.tracker.State()
	if cpt.StateDict != nil {
		if err := domain.LoadStateDict(o.model, cpt.StateDict); err != nil {
			_ = domain.LoadStateDict(o.model, initial)
			return res, err
		}
	}
	if err := o.tracker.Restore(cpt.Regularization); err != nil {
		_ = domain.LoadStateDict(o.model, initial)
		_ = o.tracker.Restore(prevReg)
		return res, err
	}

	o.memory.Restore(cpt.Memory)
	if cpt.History != nil {
		o.validator.SetHistory(cpt.History)
	}
	if cpt.Scaler != nil {
		o.scaler.Load(*cpt.Scaler)
	}
	if cpt.BestIoU != nil && cpt.BestProb != nil {
		o.pendingBest = []float64{*cpt.BestIoU, *cpt.BestProb}
	}
	o.pendingOpt = cpt.Optimizer
	o.pendingSched = cpt.Scheduler
	if cpt.RunID != "" {
		o.runID = cpt.RunID
	}
	return res, nil
}
