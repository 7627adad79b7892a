package continual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/benchmark"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/dist"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/grounding"
)

// presenceThreshold is the probability from which a response counts as
// predicted present.
const presenceThreshold = 0.5

// SnapshotFunc builds a full checkpoint of the current training state.
type SnapshotFunc func(task, epoch int) *domain.Checkpoint

// ValidatorOptions wires a Validator.
type ValidatorOptions struct {
	Model domain.Model
	Coord dist.Coordinator

	// Store receives best-model checkpoints. It may be nil, in which case
	// improvements are tracked but not persisted.
	Store *checkpoint.Store

	// Snapshot is required when Store is set.
	Snapshot SnapshotFunc

	// BatchSize is the inference batch size per rank.
	BatchSize int

	Logger *slog.Logger
}

// ValidationResult holds the metrics of one validation pass over tasks 0..upto.
type ValidationResult struct {
	// IoU is the mean temporal IoU over samples whose response is present.
	IoU float64 `json:"iou"`

	// Prob is the presence accuracy over all samples.
	Prob float64 `json:"prob"`

	// PerTask is the mean IoU of each validated task.
	PerTask []float64 `json:"perTask"`
}

// FinalResult is a final validation after a task, with backward transfer.
type FinalResult struct {
	ValidationResult

	// BWF is nil after the first task, where backward transfer is undefined.
	BWF *float64 `json:"bwf,omitempty"`
}

// Improvement reports which best values an observation raised.
type Improvement struct {
	IoU  bool
	Prob bool
}

// Validator runs inference-only validation, tracks the best IoU and the best
// presence accuracy of the current task, and keeps the IoU history.
type Validator struct {
	model     domain.Model
	coord     dist.Coordinator
	store     *checkpoint.Store
	snapshot  SnapshotFunc
	batchSize int
	logger    *slog.Logger

	history  *domain.History
	bestIoU  float64
	bestProb float64
}

// NewValidator creates a Validator with an empty history.
func NewValidator(opts ValidatorOptions) (*Validator, error) {
	if opts.Model == nil {
		return nil, errors.New("validator: model is required")
	}
	if opts.Store != nil && opts.Snapshot == nil {
		return nil, errors.New("validator: snapshot func is required with a checkpoint store")
	}
	if opts.Coord == nil {
		opts.Coord = dist.NewSingle()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Validator{
		model:     opts.Model,
		coord:     opts.Coord,
		store:     opts.Store,
		snapshot:  opts.Snapshot,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		history:   &domain.History{},
	}, nil
}

// Validate evaluates validation tasks 0..upto. Each rank evaluates its shard
// and the sums are all-reduced, so every rank returns the same numbers.
func (v *Validator) Validate(ctx context.Context, tasks []domain.TaskData, upto int) (ValidationResult, error) {
	if upto < 0 || upto >= len(tasks) {
		return ValidationResult{}, fmt.Errorf("validate: task %d out of range [0,%d)", upto, len(tasks))
	}

	// per task: iou sum, span count, correct presence, sample count
	const width = 4
	sums := make([]float64, width*(upto+1))
	for i := 0; i <= upto; i++ {
		shard := benchmark.ShardEval(tasks[i].Samples, v.coord.Rank(), v.coord.WorldSize())
		for lo := 0; lo < len(shard); lo += v.batchSize {
			if err := ctx.Err(); err != nil {
				return ValidationResult{}, err
			}
			batch := domain.Batch(shard[lo:min(lo+v.batchSize, len(shard))])
			out, err := v.model.Forward(batch, false)
			if err != nil {
				return ValidationResult{}, fmt.Errorf("validate task %d: %w", i, err)
			}
			if len(out.Predictions) != len(batch) {
				return ValidationResult{}, fmt.Errorf("validate task %d: %d predictions for %d samples",
					i, len(out.Predictions), len(batch))
			}
			row := sums[width*i : width*(i+1)]
			for k, s := range batch {
				pred := out.Predictions[k]
				if s.Present {
					row[0] += grounding.TemporalIoU(pred.Start, pred.End, s.Start, s.End)
					row[1]++
				}
				if (pred.Prob >= presenceThreshold) == s.Present {
					row[2]++
				}
				row[3]++
			}
		}
	}
	if err := v.coord.AllReduceSum(ctx, sums); err != nil {
		return ValidationResult{}, fmt.Errorf("validate: %w", err)
	}

	res := ValidationResult{PerTask: make([]float64, upto+1)}
	var iouSum, spans, correct, total float64
	for i := range res.PerTask {
		row := sums[width*i : width*(i+1)]
		if row[1] > 0 {
			res.PerTask[i] = row[0] / row[1]
		}
		iouSum += row[0]
		spans += row[1]
		correct += row[2]
		total += row[3]
	}
	if spans > 0 {
		res.IoU = iouSum / spans
	}
	if total > 0 {
		res.Prob = correct / total
	}
	return res, nil
}

// Reset sets the best values, typically to the baseline measured before a
// task trains.
func (v *Validator) Reset(bestIoU, bestProb float64) {
	v.bestIoU = bestIoU
	v.bestProb = bestProb
}

// Best returns the best IoU and presence accuracy seen for the current task.
func (v *Validator) Best() (float64, float64) {
	return v.bestIoU, v.bestProb
}

// Observe compares a validation result of (task, epoch) against the best
// values. Each improvement is tracked independently and, on the leader,
// persisted as its own checkpoint.
func (v *Validator) Observe(task, epoch int, res ValidationResult) (Improvement, error) {
	var imp Improvement
	if res.IoU > v.bestIoU {
		v.bestIoU = res.IoU
		imp.IoU = true
		if err := v.saveBest(domain.BestIoUName(task), task, epoch, true); err != nil {
			return imp, err
		}
	}
	if res.Prob > v.bestProb {
		v.bestProb = res.Prob
		imp.Prob = true
		if err := v.saveBest(domain.BestProbName(task), task, epoch, false); err != nil {
			return imp, err
		}
	}
	return imp, nil
}

func (v *Validator) saveBest(name string, task, epoch int, iou bool) error {
	if v.store == nil || !v.coord.IsLeader() {
		return nil
	}
	cpt := v.snapshot(task, epoch+1)
	if iou {
		cpt.BestIoU = domain.Float64Ptr(v.bestIoU)
		cpt.BestProb = nil
	} else {
		// best-probability records carry no task position or regularization
		cpt.CurrentTask = nil
		cpt.Regularization = nil
		cpt.BestIoU = nil
		cpt.BestProb = domain.Float64Ptr(v.bestProb)
	}
	if err := v.store.Save(name, cpt); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	v.logger.Info("best checkpoint saved", "name", name, "task", task, "epoch", epoch,
		"bestIou", v.bestIoU, "bestProb", v.bestProb)
	return nil
}

// FinalValidate evaluates tasks 0..j after task j finished, records the IoU
// history row and computes backward transfer.
func (v *Validator) FinalValidate(ctx context.Context, tasks []domain.TaskData, j int) (FinalResult, error) {
	res, err := v.Validate(ctx, tasks, j)
	if err != nil {
		return FinalResult{}, err
	}
	if err := v.history.Record(j, res.PerTask); err != nil {
		return FinalResult{}, fmt.Errorf("final validate: %w", err)
	}
	out := FinalResult{ValidationResult: res}
	if bwf, ok := v.history.BWF(j); ok {
		out.BWF = domain.Float64Ptr(bwf)
	}
	return out, nil
}

// History returns a copy of the IoU history.
func (v *Validator) History() *domain.History {
	return v.history.Clone()
}

// SetHistory replaces the IoU history, e.g. after a resume.
func (v *Validator) SetHistory(h *domain.History) {
	v.history = h.Clone()
}
