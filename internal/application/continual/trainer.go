// Package continual provides the continual-learning application services:
// the per-epoch training driver, the validation and checkpoint manager and
// the orchestrator that walks a benchmark task by task.
package continual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/dist"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/optim"
)

// Regularizer adds a consolidation penalty to the task loss.
type Regularizer interface {
	// Penalty returns the penalty for the current parameter values.
	Penalty(params []*domain.Param) float64

	// AccumulateGrad adds scale times the penalty gradient to Param.Grad.
	AccumulateGrad(params []*domain.Param, scale float64)
}

// GradSyncer makes gradients identical across ranks.
type GradSyncer interface {
	Sync(ctx context.Context, params []*domain.Param) error
}

// TrainerOptions wires a Trainer.
type TrainerOptions struct {
	Model       domain.Model
	Optimizer   optim.Optimizer
	Scheduler   *optim.LinearWarmup
	Scaler      *optim.GradScaler
	Regularizer Regularizer
	Syncer      GradSyncer
	Coord       dist.Coordinator

	// MaxGradSkips is the number of consecutive overflowing steps tolerated
	// before the loss scale counts as collapsed.
	MaxGradSkips int

	Logger *slog.Logger
}

// EpochStats summarizes one training epoch across all ranks.
type EpochStats struct {
	Batches      int           `json:"batches"`
	MeanLoss     float64       `json:"meanLoss"`
	MeanPenalty  float64       `json:"meanPenalty"`
	SkippedSteps int           `json:"skippedSteps"`
	LR           float64       `json:"lr"`
	Duration     time.Duration `json:"duration"`
}

// Trainer runs the optimization loop over the batches of one epoch.
type Trainer struct {
	model        domain.Model
	opt          optim.Optimizer
	sched        *optim.LinearWarmup
	scaler       *optim.GradScaler
	reg          Regularizer
	syncer       GradSyncer
	coord        dist.Coordinator
	maxGradSkips int
	logger       *slog.Logger
}

// NewTrainer creates a Trainer. Syncer and Coord default to single-device
// behaviour, Regularizer may be nil.
func NewTrainer(opts TrainerOptions) (*Trainer, error) {
	if opts.Model == nil {
		return nil, errors.New("trainer: model is required")
	}
	if opts.Optimizer == nil || opts.Scheduler == nil {
		return nil, errors.New("trainer: optimizer and scheduler are required")
	}
	if opts.Scaler == nil {
		opts.Scaler = optim.NewGradScaler(optim.ScalerConfig{})
	}
	if opts.Coord == nil {
		opts.Coord = dist.NewSingle()
	}
	if opts.Syncer == nil {
		opts.Syncer = dist.NewDDP(opts.Coord, true)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Trainer{
		model:        opts.Model,
		opt:          opts.Optimizer,
		sched:        opts.Scheduler,
		scaler:       opts.Scaler,
		reg:          opts.Regularizer,
		syncer:       opts.Syncer,
		coord:        opts.Coord,
		maxGradSkips: opts.MaxGradSkips,
		logger:       opts.Logger,
	}, nil
}

// SetOptimizer replaces the optimizer and its schedule. It is used at task
// boundaries, where a fresh optimizer starts the next task.
func (t *Trainer) SetOptimizer(opt optim.Optimizer, sched *optim.LinearWarmup) {
	t.opt = opt
	t.sched = sched
}

// Optimizer returns the current optimizer.
func (t *Trainer) Optimizer() optim.Optimizer {
	return t.opt
}

// Scheduler returns the current learning-rate schedule.
func (t *Trainer) Scheduler() *optim.LinearWarmup {
	return t.sched
}

// Scaler returns the loss scaler.
func (t *Trainer) Scaler() *optim.GradScaler {
	return t.scaler
}

// RunEpoch trains on the given batches, one optimizer step per batch. Every
// rank must pass the same number of batches.
func (t *Trainer) RunEpoch(ctx context.Context, batches []domain.Batch) (EpochStats, error) {
	start := time.Now()
	var stats EpochStats
	var lossSum, penaltySum float64

	for b, batch := range batches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		params := t.model.Params()
		domain.ZeroGrad(params)

		out, err := t.model.Forward(batch, true)
		if err != nil {
			return stats, fmt.Errorf("batch %d: forward: %w", b, err)
		}
		if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
			return stats, fmt.Errorf("batch %d: %w: %v", b, domain.ErrNonFiniteLoss, out.Loss)
		}

		var penalty float64
		if t.reg != nil {
			penalty = t.reg.Penalty(params)
		}

		scale := t.scaler.Scale()
		if err := t.model.Backward(domain.ObjectiveTask, scale); err != nil {
			return stats, fmt.Errorf("batch %d: backward: %w", b, err)
		}
		if t.reg != nil {
			t.reg.AccumulateGrad(params, scale)
		}
		if err := t.syncer.Sync(ctx, params); err != nil {
			return stats, fmt.Errorf("batch %d: gradient sync: %w", b, err)
		}

		if !t.scaler.Step(t.opt, params, t.sched.LR()) {
			stats.SkippedSteps++
			t.logger.Debug("optimizer step skipped", "batch", b, "scale", t.scaler.Scale())
		}
		t.scaler.Update()
		if t.scaler.ConsecutiveSkips() > t.maxGradSkips {
			return stats, fmt.Errorf("batch %d: %w after %d skipped steps (scale %g)",
				b, domain.ErrScaleCollapsed, t.scaler.ConsecutiveSkips(), t.scaler.Scale())
		}
		t.sched.Step()

		lossSum += out.Loss
		penaltySum += penalty
		stats.Batches++
	}

	sums := []float64{lossSum, penaltySum, float64(stats.Batches)}
	if err := t.coord.AllReduceSum(ctx, sums); err != nil {
		return stats, fmt.Errorf("epoch stats: %w", err)
	}
	if sums[2] > 0 {
		stats.MeanLoss = sums[0] / sums[2]
		stats.MeanPenalty = sums[1] / sums[2]
	}
	stats.LR = t.sched.LR()
	stats.Duration = time.Since(start)
	return stats, nil
}
