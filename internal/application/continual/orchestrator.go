package continual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/benchmark"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/config"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/dist"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/ledger"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/metrics"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/optim"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/regularization"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/replay"
)

// Options wires an Orchestrator.
type Options struct {
	Config    config.Config
	Benchmark *domain.Benchmark
	Model     domain.Model

	// Coord defaults to a single rank.
	Coord dist.Coordinator

	// Store holds the checkpoints and must be shared by all ranks.
	Store *checkpoint.Store

	// Ledger and Metrics are optional. The ledger is written by the leader only.
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   string               `json:"runId"`
	Resume  ResumeResult         `json:"resume"`
	Tasks   []domain.TaskMetrics `json:"tasks"`
	History *domain.History      `json:"history"`
}

// Orchestrator trains a model over the tasks of a benchmark one after the
// other, with replay, regularization, validation and checkpointing.
type Orchestrator struct {
	cfg     config.Config
	method  domain.Method
	model   domain.Model
	coord   dist.Coordinator
	ddp     *dist.DDP
	store   *checkpoint.Store
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	logger  *slog.Logger

	train    *benchmark.Stream
	valTasks []domain.TaskData
	memory   *replay.Memory
	tracker  *regularization.Tracker

	scaler    *optim.GradScaler
	opt       *optim.AdamW
	sched     *optim.LinearWarmup
	trainer   *Trainer
	validator *Validator

	pendingOpt   *domain.OptimizerState
	pendingSched *domain.SchedulerState
	pendingBest  []float64

	runID string
}

// NewOrchestrator creates an Orchestrator. The benchmark must already be
// validated.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Benchmark == nil || opts.Model == nil || opts.Store == nil {
		return nil, errors.New("orchestrator: benchmark, model and checkpoint store are required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Coord == nil {
		opts.Coord = dist.NewSingle()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rank, world := opts.Coord.Rank(), opts.Coord.WorldSize()

	train, err := benchmark.NewStream(opts.Benchmark.Train, benchmark.StreamOptions{
		BatchSize:        cfg.Train.BatchSize,
		Shuffle:          true,
		ShuffleTaskOrder: cfg.CL.RandomOrder,
		Seed:             cfg.Seed,
		Rank:             rank,
		WorldSize:        world,
	})
	if err != nil {
		return nil, fmt.Errorf("train stream: %w", err)
	}
	// validation task j is the validation split of training task j
	val, err := benchmark.NewStream(opts.Benchmark.Val, benchmark.StreamOptions{
		BatchSize: cfg.Test.BatchSize,
		Order:     train.Order(),
		Rank:      rank,
		WorldSize: world,
	})
	if err != nil {
		return nil, fmt.Errorf("validation stream: %w", err)
	}
	valTasks := make([]domain.TaskData, val.NumTasks())
	for i := range valTasks {
		valTasks[i] = val.Task(i)
	}

	memory, err := replay.New(replay.Options{
		Capacity: cfg.CL.MemorySize.MemorySize,
		Divisor:  cfg.CL.MemoryDivisor,
		Seed:     cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	train.SetMemory(memory)

	ddp := dist.NewDDP(opts.Coord, cfg.Dist.FindUnusedParameters)
	tracker, err := regularization.NewTracker(regularization.Config{
		Method:     cfg.Method(),
		Lambda:     cfg.CL.RegLambda,
		Gamma:      cfg.CL.EWCGamma,
		MaxBatches: cfg.CL.ImportanceBatches,
	}, ddp, opts.Logger)
	if err != nil {
		return nil, err
	}

	scalerCfg := optim.DefaultScalerConfig()
	scalerCfg.Enabled = cfg.Train.AMP

	o := &Orchestrator{
		cfg:      cfg,
		method:   cfg.Method(),
		model:    opts.Model,
		coord:    opts.Coord,
		ddp:      ddp,
		store:    opts.Store,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		train:    train,
		valTasks: valTasks,
		memory:   memory,
		tracker:  tracker,
		scaler:   optim.NewGradScaler(scalerCfg),
		runID:    uuid.New().String(),
	}
	o.validator, err = NewValidator(ValidatorOptions{
		Model:     opts.Model,
		Coord:     opts.Coord,
		Store:     opts.Store,
		Snapshot:  o.snapshot,
		BatchSize: cfg.Test.BatchSize,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Order returns the benchmark task index trained at each position.
func (o *Orchestrator) Order() []int {
	return o.train.Order()
}

// Memory returns the replay memory.
func (o *Orchestrator) Memory() *replay.Memory {
	return o.memory
}

// Tracker returns the regularization tracker.
func (o *Orchestrator) Tracker() *regularization.Tracker {
	return o.tracker
}

// Run trains every remaining task. With train.resume set it first restores
// the last checkpoint and continues at the recorded task and epoch.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{Resume: ResumeResult{Status: ResumeNone}}
	if o.cfg.Train.Resume {
		sum.Resume = o.resume()
		o.logResume(sum.Resume)
	}
	startTask, startEpoch := 0, 0
	if sum.Resume.Status == ResumeRestored {
		startTask, startEpoch = sum.Resume.Task, sum.Resume.Epoch
	}
	sum.RunID = o.runID
	o.logger.Info("run started", "runId", o.runID, "method", o.method, "tasks", o.train.NumTasks(),
		"order", o.train.Order(), "startTask", startTask, "startEpoch", startEpoch,
		"worldSize", o.coord.WorldSize())

	if sum.Resume.Status != ResumeRestored {
		if err := o.clearBest(); err != nil {
			return sum, err
		}
	}
	if err := o.coord.Barrier(ctx); err != nil {
		return sum, err
	}
	if err := o.startLedger(ctx); err != nil {
		return sum, err
	}
	if err := o.train.Seek(startTask); err != nil {
		return sum, err
	}

	err := o.runTasks(ctx, startEpoch, sum)
	o.finishLedger(ctx, err)
	sum.History = o.validator.History()
	return sum, err
}

func (o *Orchestrator) runTasks(ctx context.Context, startEpoch int, sum *Summary) error {
	for {
		step, ok, err := o.train.Next()
		if err != nil {
			return fmt.Errorf("task %d: %w", o.train.Pos(), err)
		}
		if !ok {
			return nil
		}
		tm, err := o.runTask(ctx, step, startEpoch)
		if err != nil {
			return fmt.Errorf("task %d: %w", step.Data.Index, err)
		}
		sum.Tasks = append(sum.Tasks, tm)
		startEpoch = 0
	}
}

func (o *Orchestrator) runTask(ctx context.Context, step benchmark.Step, startEpoch int) (domain.TaskMetrics, error) {
	j := step.Data.Index
	log := o.logger.With("task", j)
	if o.metrics != nil {
		o.metrics.SetTask(j)
	}
	planned := o.plannedEpochs(step.Loader.Len())
	log.Info("task started", "source", step.Data.Source, "samples", step.Data.Len(),
		"replay", o.memory.Len(), "batches", step.Loader.Len(), "epochs", planned,
		"nextQueries", step.NextQueries)

	if startEpoch > 0 && o.pendingBest != nil {
		// mid-task resume keeps the best values of the interrupted epochs
		o.validator.Reset(o.pendingBest[0], o.pendingBest[1])
	} else {
		base, err := o.validator.Validate(ctx, o.valTasks, j)
		if err != nil {
			return domain.TaskMetrics{}, err
		}
		o.validator.Reset(base.IoU, base.Prob)
		log.Info("baseline validation", "iou", base.IoU, "prob", base.Prob)
	}
	o.pendingBest = nil

	if err := o.ensureOptimizer(planned * step.Loader.Len()); err != nil {
		return domain.TaskMetrics{}, err
	}

	for epoch := startEpoch; epoch < planned; epoch++ {
		if err := o.runEpoch(ctx, step, j, epoch, log); err != nil {
			return domain.TaskMetrics{}, fmt.Errorf("epoch %d: %w", epoch, err)
		}
	}

	if !o.memory.Capacity().IsZero() {
		budget := o.memory.Budget(j + 1)
		added, err := o.memory.Consolidate(j, step.Data, budget)
		if err != nil {
			return domain.TaskMetrics{}, err
		}
		log.Info("replay memory consolidated", "budget", budget.String(), "added", added, "total", o.memory.Len())
		if o.metrics != nil {
			o.metrics.SetReplaySamples(o.memory.Len())
		}
	}
	if err := o.coord.Barrier(ctx); err != nil {
		return domain.TaskMetrics{}, err
	}

	found, err := o.reloadBest(j, log)
	if err != nil {
		return domain.TaskMetrics{}, err
	}
	if !found {
		// no epoch beat the baseline: the trained weights become the task's model
		if err := o.validator.saveBest(domain.BestIoUName(j), j, planned-1, true); err != nil {
			return domain.TaskMetrics{}, err
		}
	}
	final, err := o.validator.FinalValidate(ctx, o.valTasks, j)
	if err != nil {
		return domain.TaskMetrics{}, err
	}
	bestIoU, bestProb := o.validator.Best()
	tm := domain.TaskMetrics{
		Task:      j,
		BestIoU:   bestIoU,
		BestProb:  bestProb,
		FinalIoU:  final.IoU,
		FinalProb: final.Prob,
		BWF:       final.BWF,
	}
	attrs := []any{"bestIou", bestIoU, "bestProb", bestProb, "iou", final.IoU, "prob", final.Prob}
	if final.BWF != nil {
		attrs = append(attrs, "bwf", *final.BWF)
	}
	log.Info("task finished", attrs...)
	if o.metrics != nil {
		o.metrics.ObserveFinal(j, final.IoU, final.Prob, final.BWF)
	}
	if o.ledger != nil && o.coord.IsLeader() {
		if err := o.ledger.RecordTask(ctx, o.runID, tm, final.PerTask); err != nil {
			return tm, err
		}
	}

	if o.method != domain.MethodNone {
		drift := o.tracker.Drift(o.model.Params())
		if err := o.tracker.OnTaskComplete(ctx, j, step.Loader, o.model); err != nil {
			return tm, fmt.Errorf("regularization: %w", err)
		}
		st := o.tracker.Stats()
		log.Info("regularization updated", "method", o.method, "drift", drift,
			"avgImportance", st.AvgImportance, "maxImportance", st.MaxImportance)
	}

	o.opt, o.sched = nil, nil
	if err := o.saveLast(ctx, j+1, 0); err != nil {
		return tm, err
	}
	return tm, o.coord.Barrier(ctx)
}

func (o *Orchestrator) runEpoch(ctx context.Context, step benchmark.Step, j, epoch int, log *slog.Logger) error {
	step.Loader.SetEpoch(epoch)
	stats, err := o.trainer.RunEpoch(ctx, step.Loader.Batches())
	if err != nil {
		return err
	}
	log.Info("epoch finished", "epoch", epoch, "batches", stats.Batches, "loss", stats.MeanLoss,
		"penalty", stats.MeanPenalty, "skipped", stats.SkippedSteps, "lr", stats.LR,
		"took", stats.Duration.Round(time.Millisecond))
	if o.metrics != nil {
		o.metrics.ObserveEpoch(j, stats.MeanLoss, stats.MeanPenalty, stats.LR,
			stats.Batches, stats.SkippedSteps, stats.Duration)
	}

	if epoch%o.cfg.CL.ValEvery == 0 {
		res, err := o.validator.Validate(ctx, o.valTasks, j)
		if err != nil {
			return err
		}
		imp, err := o.validator.Observe(j, epoch, res)
		if err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.ObserveValidation(j, res.IoU, res.Prob)
			if imp.IoU {
				o.metrics.Checkpoint("best_iou")
			}
			if imp.Prob {
				o.metrics.Checkpoint("best_prob")
			}
		}
		bestIoU, bestProb := o.validator.Best()
		log.Info("validation", "epoch", epoch, "iou", res.IoU, "prob", res.Prob,
			"bestIou", bestIoU, "bestProb", bestProb)
	}
	// the last checkpoint always follows the epoch validation
	if err := o.saveLast(ctx, j, epoch+1); err != nil {
		return err
	}
	return o.coord.Barrier(ctx)
}

// plannedEpochs returns the epoch count of a task with the given number of
// batches per epoch.
func (o *Orchestrator) plannedEpochs(batches int) int {
	if o.cfg.Train.EpochsPerTask > 0 {
		return o.cfg.Train.EpochsPerTask
	}
	return o.cfg.Train.TotalIteration/max(1, batches) + 1
}

func (o *Orchestrator) adamConfig() optim.AdamWConfig {
	c := optim.DefaultAdamWConfig()
	c.WeightDecay = o.cfg.Train.WeightDecay
	return c
}

// ensureOptimizer creates the optimizer and schedule of a task if the
// previous task retired them, applying any state restored from a checkpoint.
func (o *Orchestrator) ensureOptimizer(steps int) error {
	if o.opt == nil {
		total := o.cfg.Train.TotalIteration
		if total == 0 {
			total = steps
		}
		o.opt = optim.NewAdamW(o.adamConfig())
		o.sched = optim.NewLinearWarmup(o.cfg.Train.LR, o.cfg.Train.SchedularWarmupIter, total)
		if o.pendingOpt != nil {
			if err := o.opt.Load(*o.pendingOpt); err != nil {
				return fmt.Errorf("optimizer state: %w", err)
			}
		}
		if o.pendingSched != nil {
			o.sched.Load(*o.pendingSched)
		}
		o.pendingOpt, o.pendingSched = nil, nil
	}
	if o.trainer == nil {
		t, err := NewTrainer(TrainerOptions{
			Model:        o.model,
			Optimizer:    o.opt,
			Scheduler:    o.sched,
			Scaler:       o.scaler,
			Regularizer:  o.tracker,
			Syncer:       o.ddp,
			Coord:        o.coord,
			MaxGradSkips: o.cfg.Train.MaxGradSkips,
			Logger:       o.logger,
		})
		if err != nil {
			return err
		}
		o.trainer = t
		return nil
	}
	o.trainer.SetOptimizer(o.opt, o.sched)
	return nil
}

// snapshot captures the full training state at (task, epoch). A retired
// optimizer is omitted so a restore starts the next task fresh.
func (o *Orchestrator) snapshot(task, epoch int) *domain.Checkpoint {
	scaler := o.scaler.State()
	bestIoU, bestProb := o.validator.Best()
	cpt := &domain.Checkpoint{
		RunID:          o.runID,
		Epoch:          domain.IntPtr(epoch),
		CurrentTask:    domain.IntPtr(task),
		StateDict:      domain.StateDict(o.model),
		Scaler:         &scaler,
		Regularization: o.tracker.State(),
		Memory:         o.memory.Snapshot(),
		History:        o.validator.History(),
		BestIoU:        domain.Float64Ptr(bestIoU),
		BestProb:       domain.Float64Ptr(bestProb),
	}
	if o.opt != nil {
		opt, sched := o.opt.State(), o.sched.State()
		cpt.Optimizer, cpt.Scheduler = &opt, &sched
	}
	return cpt
}

func (o *Orchestrator) saveLast(ctx context.Context, task, epoch int) error {
	if !o.coord.IsLeader() {
		return nil
	}
	cpt := o.snapshot(task, epoch)
	if err := o.store.Save(domain.CheckpointLast, cpt); err != nil {
		return fmt.Errorf("save %s: %w", domain.CheckpointLast, err)
	}
	if o.metrics != nil {
		o.metrics.Checkpoint("last")
	}
	if o.ledger != nil {
		rec := ledger.CheckpointRecord{
			Name:    domain.CheckpointLast,
			Task:    task,
			Epoch:   epoch,
			Path:    o.store.Path(domain.CheckpointLast),
			SavedAt: cpt.SavedAt,
		}
		if err := o.ledger.RecordCheckpoint(ctx, o.runID, rec); err != nil {
			return err
		}
	}
	return nil
}

// reloadBest restores the model weights of the best-IoU checkpoint of task
// j and reports whether one existed. Without one the current weights stay.
func (o *Orchestrator) reloadBest(j int, log *slog.Logger) (bool, error) {
	name := domain.BestIoUName(j)
	cpt, err := o.store.Load(name)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		log.Info("no best checkpoint, keeping current weights")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := domain.LoadStateDict(o.model, cpt.StateDict); err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	log.Info("best checkpoint reloaded", "name", name)
	return true, nil
}

// Evaluate restores the last checkpoint and, for every task it finished,
// reloads the best-IoU weights and runs the final validation, rebuilding the
// IoU history. Without a usable checkpoint there is nothing to evaluate.
func (o *Orchestrator) Evaluate(ctx context.Context) (*Summary, error) {
	sum := &Summary{Resume: o.resume()}
	o.logResume(sum.Resume)
	sum.RunID = o.runID
	switch sum.Resume.Status {
	case ResumeRestored:
	case ResumeCorrupt:
		return sum, fmt.Errorf("evaluate: %w: %w", domain.ErrNothingToEvaluate, sum.Resume.Err)
	default:
		return sum, fmt.Errorf("evaluate: %w: no %s in %s",
			domain.ErrNothingToEvaluate, domain.CheckpointLast, o.store.Dir())
	}
	finished := min(sum.Resume.Task, len(o.valTasks))
	if finished == 0 {
		return sum, fmt.Errorf("evaluate: %w: the checkpoint has no finished task", domain.ErrNothingToEvaluate)
	}

	o.validator.SetHistory(&domain.History{})

	for j := 0; j < finished; j++ {
		log := o.logger.With("task", j)
		found, err := o.reloadBest(j, log)
		if err != nil {
			return sum, err
		}
		if !found {
			return sum, fmt.Errorf("evaluate task %d: %w: %s", j,
				domain.ErrCheckpointNotFound, domain.BestIoUName(j))
		}
		final, err := o.validator.FinalValidate(ctx, o.valTasks, j)
		if err != nil {
			return sum, fmt.Errorf("task %d: %w", j, err)
		}
		tm := domain.TaskMetrics{Task: j, FinalIoU: final.IoU, FinalProb: final.Prob, BWF: final.BWF}
		sum.Tasks = append(sum.Tasks, tm)
		if o.metrics != nil {
			o.metrics.ObserveFinal(j, final.IoU, final.Prob, final.BWF)
		}
		log.Info("evaluated", "iou", final.IoU, "prob", final.Prob, "perTask", final.PerTask)
	}
	sum.History = o.validator.History()
	return sum, nil
}

// clearBest removes best checkpoints left in the output directory by an
// earlier run, so reloadBest only ever sees this run's models.
func (o *Orchestrator) clearBest() error {
	if !o.coord.IsLeader() {
		return nil
	}
	names, err := o.store.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if !domain.IsBestCheckpoint(name) {
			continue
		}
		if err := o.store.Remove(name); err != nil {
			return err
		}
		o.logger.Info("removed stale checkpoint", "name", name)
	}
	return nil
}

func (o *Orchestrator) logResume(res ResumeResult) {
	switch res.Status {
	case ResumeRestored:
		o.logger.Info("resumed from checkpoint", "task", res.Task, "epoch", res.Epoch, "runId", res.RunID)
	case ResumeCorrupt:
		o.logger.Error("checkpoint unusable, starting from scratch", "error", res.Err)
	default:
		o.logger.Info("no checkpoint, starting from scratch")
	}
}

func (o *Orchestrator) startLedger(ctx context.Context) error {
	if o.ledger == nil || !o.coord.IsLeader() {
		return nil
	}
	return o.ledger.StartRun(ctx, ledger.Run{
		ID:        o.runID,
		Name:      o.cfg.OutputDir,
		Benchmark: o.cfg.CL.Benchmark,
		Method:    string(o.method),
		NumTasks:  o.train.NumTasks(),
		WorldSize: o.coord.WorldSize(),
	})
}

func (o *Orchestrator) finishLedger(ctx context.Context, runErr error) {
	if o.ledger == nil || !o.coord.IsLeader() {
		return
	}
	status := ledger.StatusFinished
	if runErr != nil {
		status = ledger.StatusFailed
	}
	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), o.runID, status); err != nil {
		o.logger.Error("ledger update failed", "error", err)
	}
}
