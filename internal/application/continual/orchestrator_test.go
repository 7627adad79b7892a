package continual

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/benchmark"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/config"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/dist"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/grounding"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/ledger"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/logging"
)

const testFeatureDim = 3

func syntheticBenchmark(t *testing.T, tasks, perTask, dim int) *domain.Benchmark {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	gen := func() [][]domain.Sample {
		split := make([][]domain.Sample, tasks)
		for k := range split {
			for i := 0; i < perTask; i++ {
				f := make([]float64, dim)
				for d := range f {
					f[d] = rng.NormFloat64() + 0.5*float64(k)
				}
				s := domain.Sample{Features: f, Present: i%4 != 0}
				if s.Present {
					s.Start = 0.1 + 0.2*rng.Float64()
					s.End = s.Start + 0.4
				}
				split[k] = append(split[k], s)
			}
		}
		return split
	}
	b := &domain.Benchmark{Train: gen(), Val: gen()}
	require.NoError(t, benchmark.Validate(b))
	return b
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Seed = 5
	cfg.OutputDir = dir
	cfg.CL.Benchmark = "synthetic"
	cfg.CL.Name = string(domain.MethodEWC)
	cfg.Train.BatchSize = 4
	cfg.Train.LR = 0.05
	cfg.Train.WeightDecay = 0
	cfg.Train.TotalIteration = 0
	cfg.Train.SchedularWarmupIter = 0
	cfg.Train.EpochsPerTask = 2
	cfg.CL.ValEvery = 1
	cfg.Test.BatchSize = 4
	return cfg
}

func newMatcher(cfg config.Config) (*grounding.Matcher, error) {
	return grounding.NewMatcher(grounding.MatcherConfig{FeatureDim: testFeatureDim, Seed: cfg.Seed, InitStd: 0.1})
}

func buildOrchestrator(cfg config.Config, b *domain.Benchmark, model domain.Model, coord dist.Coordinator, lg *ledger.Ledger) (*Orchestrator, error) {
	store, err := checkpoint.NewStore(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(Options{
		Config:    cfg,
		Benchmark: b,
		Model:     model,
		Coord:     coord,
		Store:     store,
		Ledger:    lg,
		Logger:    logging.Discard(),
	})
}

type runResult struct {
	summary *Summary
	orch    *Orchestrator
	weights map[string][]float64
}

func runSingle(t *testing.T, cfg config.Config, b *domain.Benchmark, lg *ledger.Ledger) runResult {
	t.Helper()
	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, lg)
	require.NoError(t, err)
	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	return runResult{summary: sum, orch: o, weights: domain.StateDict(m)}
}

func assertWeightsEqual(t *testing.T, want, got map[string][]float64, delta float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, w := range want {
		assert.InDeltaSlice(t, w, got[name], delta, name)
	}
}

func TestRunTrainsEveryTask(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CL.MemorySize = config.MemorySize{MemorySize: domain.Samples(6)}
	cfg.CL.MemoryDivisor = 2
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)

	lg, err := ledger.Open(context.Background(), ledger.Config{
		Driver: ledger.DriverSQLite,
		DSN:    filepath.Join(dir, "ledger.db"),
	})
	require.NoError(t, err)
	defer lg.Close()

	res := runSingle(t, cfg, b, lg)
	sum := res.summary

	require.Len(t, sum.Tasks, 3)
	assert.Equal(t, ResumeNone, sum.Resume.Status)
	assert.Nil(t, sum.Tasks[0].BWF)
	for j := 1; j < 3; j++ {
		require.NotNil(t, sum.Tasks[j].BWF, "task %d", j)
		bwf, ok := sum.History.BWF(j)
		require.True(t, ok)
		assert.InDelta(t, bwf, *sum.Tasks[j].BWF, 1e-12)
	}
	assert.Equal(t, 3, sum.History.Len())

	mem := res.orch.Memory()
	assert.Equal(t, 6, mem.Len())
	for j := 0; j < 3; j++ {
		assert.True(t, mem.Consolidated(j))
	}
	assert.False(t, res.orch.Tracker().Empty())

	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	last, err := store.Load(domain.CheckpointLast)
	require.NoError(t, err)
	assert.Equal(t, 3, *last.CurrentTask)
	assert.Equal(t, 0, *last.Epoch)
	assert.Nil(t, last.Optimizer, "the boundary checkpoint starts the next task with a fresh optimizer")
	assert.Equal(t, sum.RunID, last.RunID)

	run, err := lg.GetRun(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFinished, run.Status)
	assert.Equal(t, 3, run.NumTasks)

	tms, err := lg.TaskMetrics(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, tms, 3)

	h, err := lg.History(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Equal(t, 3, h.Len())
	for i, row := range sum.History.Rows {
		assert.InDeltaSlice(t, row, h.Rows[i], 1e-12)
	}

	cps, err := lg.Checkpoints(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, cps)
}

func TestRunWithoutMemoryNeverConsolidates(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.CL.Name = string(domain.MethodNone)
	b := syntheticBenchmark(t, 2, 8, testFeatureDim)

	res := runSingle(t, cfg, b, nil)
	assert.Zero(t, res.orch.Memory().Len())
	assert.False(t, res.orch.Memory().Consolidated(0))
	assert.True(t, res.orch.Tracker().Empty())
	assert.Len(t, res.summary.Tasks, 2)
}

func TestResumeAfterCompletionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	b := syntheticBenchmark(t, 2, 8, testFeatureDim)
	first := runSingle(t, cfg, b, nil)

	cfg.Train.Resume = true
	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)
	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResumeRestored, sum.Resume.Status)
	assert.Equal(t, 2, sum.Resume.Task)
	assert.Equal(t, first.summary.RunID, sum.RunID)
	assert.Empty(t, sum.Tasks)
	assert.Equal(t, first.summary.History, sum.History)
	assertWeightsEqual(t, first.weights, domain.StateDict(m), 0)
}

func TestResumeWithoutCheckpointStartsFromScratch(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Train.Resume = true
	b := syntheticBenchmark(t, 1, 8, testFeatureDim)

	res := runSingle(t, cfg, b, nil)
	assert.Equal(t, ResumeNone, res.summary.Resume.Status)
	assert.Len(t, res.summary.Tasks, 1)
}

// interruptingModel cancels the run on the n-th training forward pass that
// contains a sample of the marked task.
type interruptingModel struct {
	*grounding.Matcher
	marker string
	after  int
	seen   int
	cancel context.CancelFunc
}

func (m *interruptingModel) Forward(batch domain.Batch, train bool) (*domain.Output, error) {
	if train {
		for _, s := range batch {
			if strings.HasPrefix(s.ID, m.marker) {
				m.seen++
				if m.seen == m.after {
					m.cancel()
				}
				break
			}
		}
	}
	return m.Matcher.Forward(batch, train)
}

func TestResumeContinuesIdentically(t *testing.T) {
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)
	want := runSingle(t, testConfig(t.TempDir()), b, nil)

	cfg := testConfig(t.TempDir())
	matcher, err := newMatcher(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// two batches per epoch: the third marked pass is the first batch of epoch 1
	model := &interruptingModel{
		Matcher: matcher,
		marker:  fmt.Sprintf("%s/1/", benchmark.SplitTrain),
		after:   3,
		cancel:  cancel,
	}
	o, err := buildOrchestrator(cfg, b, model, nil, nil)
	require.NoError(t, err)
	_, err = o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	cfg.Train.Resume = true
	resumed, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err = buildOrchestrator(cfg, b, resumed, nil, nil)
	require.NoError(t, err)
	sum, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResumeRestored, sum.Resume.Status)
	assert.Equal(t, 1, sum.Resume.Task)
	assert.Equal(t, 1, sum.Resume.Epoch)
	require.Len(t, sum.Tasks, 2)
	assertWeightsEqual(t, want.weights, domain.StateDict(resumed), 1e-12)
	for i, row := range want.summary.History.Rows {
		assert.InDeltaSlice(t, row, sum.History.Rows[i], 1e-12)
	}
}

func TestCorruptCheckpointFallsBackToScratch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Train.Resume = true
	b := syntheticBenchmark(t, 1, 8, testFeatureDim)

	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(domain.CheckpointLast, &domain.Checkpoint{
		CurrentTask: domain.IntPtr(0),
		StateDict:   map[string][]float64{"span.start.weight": {1}},
	}))

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	before := domain.StateDict(m)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)

	res := o.resume()
	assert.Equal(t, ResumeCorrupt, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCheckpointCorrupt)
	assertWeightsEqual(t, before, domain.StateDict(m), 0)
}

func TestSingleAndMultiRankAgree(t *testing.T) {
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)
	singleCfg := testConfig(t.TempDir())
	singleCfg.CL.MemorySize = config.MemorySize{MemorySize: domain.Samples(4)}
	singleCfg.CL.MemoryDivisor = 2
	want := runSingle(t, singleCfg, b, nil)

	cfg := singleCfg
	cfg.OutputDir = t.TempDir()
	var mu sync.Mutex
	summaries := map[int]*Summary{}
	weights := map[int]map[string][]float64{}
	err := dist.Launch(context.Background(), 2, func(ctx context.Context, c dist.Coordinator) error {
		m, err := newMatcher(cfg)
		if err != nil {
			return err
		}
		o, err := buildOrchestrator(cfg, b, m, c, nil)
		if err != nil {
			return err
		}
		sum, err := o.Run(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		summaries[c.Rank()] = sum
		weights[c.Rank()] = domain.StateDict(m)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for rank := 0; rank < 2; rank++ {
		got := summaries[rank]
		require.Len(t, got.Tasks, len(want.summary.Tasks), "rank %d", rank)
		for j, tm := range want.summary.Tasks {
			assert.InDelta(t, tm.FinalIoU, got.Tasks[j].FinalIoU, 1e-9, "rank %d task %d", rank, j)
			assert.InDelta(t, tm.FinalProb, got.Tasks[j].FinalProb, 1e-9, "rank %d task %d", rank, j)
			assert.InDelta(t, tm.BestIoU, got.Tasks[j].BestIoU, 1e-9, "rank %d task %d", rank, j)
		}
		assertWeightsEqual(t, want.weights, weights[rank], 1e-9)
	}
}

func TestEvaluateRebuildsHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)
	runSingle(t, cfg, b, nil)

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)
	sum, err := o.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ResumeRestored, sum.Resume.Status)
	require.Len(t, sum.Tasks, 3)
	assert.Nil(t, sum.Tasks[0].BWF)
	assert.NotNil(t, sum.Tasks[2].BWF)
	assert.Equal(t, 3, sum.History.Len())
}

func TestEvaluateWithoutCheckpointFails(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)
	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)

	sum, err := o.Evaluate(context.Background())
	require.ErrorIs(t, err, domain.ErrNothingToEvaluate)
	assert.Equal(t, ResumeNone, sum.Resume.Status)
	assert.Empty(t, sum.Tasks)
}

func TestEvaluateCorruptCheckpointFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	b := syntheticBenchmark(t, 1, 8, testFeatureDim)
	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(domain.CheckpointLast, &domain.Checkpoint{
		CurrentTask: domain.IntPtr(1),
		StateDict:   map[string][]float64{"span.start.weight": {1}},
	}))

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)

	sum, err := o.Evaluate(context.Background())
	require.ErrorIs(t, err, domain.ErrNothingToEvaluate)
	assert.ErrorIs(t, err, domain.ErrCheckpointCorrupt)
	assert.Empty(t, sum.Tasks)
}

func TestEvaluateStopsAtLastFinishedTask(t *testing.T) {
	cfg := testConfig(t.TempDir())
	b := syntheticBenchmark(t, 3, 8, testFeatureDim)
	matcher, err := newMatcher(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := &interruptingModel{
		Matcher: matcher,
		marker:  fmt.Sprintf("%s/1/", benchmark.SplitTrain),
		after:   3,
		cancel:  cancel,
	}
	o, err := buildOrchestrator(cfg, b, model, nil, nil)
	require.NoError(t, err)
	_, err = o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err = buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)
	sum, err := o.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Resume.Task)
	require.Len(t, sum.Tasks, 1)
	assert.Nil(t, sum.Tasks[0].BWF)
	assert.Equal(t, 1, sum.History.Len())
}

func TestEvaluateRequiresBestCheckpointOfEveryTask(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	b := syntheticBenchmark(t, 2, 8, testFeatureDim)
	runSingle(t, cfg, b, nil)

	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Remove(domain.BestIoUName(0)))

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err := buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)
	_, err = o.Evaluate(context.Background())
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
}

// frozenModel never produces gradients, so validation never improves on the
// baseline.
type frozenModel struct {
	*grounding.Matcher
}

func (m *frozenModel) Backward(domain.Objective, float64) error { return nil }

func TestRunKeepsTaskModelWithoutImprovement(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.CL.Name = string(domain.MethodNone)
	b := syntheticBenchmark(t, 2, 8, testFeatureDim)

	matcher, err := newMatcher(cfg)
	require.NoError(t, err)
	initial := domain.StateDict(matcher)
	o, err := buildOrchestrator(cfg, b, &frozenModel{Matcher: matcher}, nil, nil)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)

	store, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	for j := 0; j < 2; j++ {
		cpt, err := store.Load(domain.BestIoUName(j))
		require.NoError(t, err, "task %d", j)
		assertWeightsEqual(t, initial, cpt.StateDict, 0)
	}

	m, err := newMatcher(cfg)
	require.NoError(t, err)
	o, err = buildOrchestrator(cfg, b, m, nil, nil)
	require.NoError(t, err)
	sum, err := o.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Len(t, sum.Tasks, 2)
}

func TestPlannedEpochs(t *testing.T) {
	o := &Orchestrator{cfg: testConfig("x")}
	assert.Equal(t, 2, o.plannedEpochs(10))

	o.cfg.Train.EpochsPerTask = 0
	o.cfg.Train.TotalIteration = 25
	assert.Equal(t, 3, o.plannedEpochs(10))
	assert.Equal(t, 26, o.plannedEpochs(0))
}
