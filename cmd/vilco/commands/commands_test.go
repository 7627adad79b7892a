package commands

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appContinual "github.com/StOnEGiggity/ViLCo/internal/application/continual"
	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/benchmark"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
)

func TestResolveNProc(t *testing.T) {
	n, err := resolveNProc("3", 8)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = resolveNProc("", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = resolveNProc("AUTO", 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	n, err = resolveNProc("", 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	_, err = resolveNProc("0", 1)
	assert.Error(t, err)
	_, err = resolveNProc("many", 1)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &appContinual.Summary{
		RunID:  "run-1",
		Resume: appContinual.ResumeResult{Status: appContinual.ResumeNone},
		Tasks: []domain.TaskMetrics{
			{Task: 0, BestIoU: 0.5, BestProb: 0.75, FinalIoU: 0.5, FinalProb: 0.75},
			{Task: 1, BestIoU: 0.6, BestProb: 0.8, FinalIoU: 0.55, FinalProb: 0.7, BWF: domain.Float64Ptr(-0.125)},
		},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Run run-1 (resume: none)", lines[0])
	assert.Contains(t, lines[1], "BEST IOU")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))
	assert.Contains(t, lines[3], "-0.1250")
}

func TestPrintHistory(t *testing.T) {
	h := &domain.History{}
	require.NoError(t, h.Record(0, []float64{0.5}))
	require.NoError(t, h.Record(1, []float64{0.25, 0.75}))

	var buf bytes.Buffer
	printHistory(&buf, h)
	out := buf.String()
	assert.Contains(t, out, "AFTER")
	assert.Contains(t, out, "-0.2500")

	buf.Reset()
	printHistory(&buf, nil)
	assert.Equal(t, "No history recorded\n", buf.String())
}

func TestOptInt(t *testing.T) {
	assert.Equal(t, "-", optInt(nil))
	assert.Equal(t, "4", optInt(domain.IntPtr(4)))
}

func writeBenchmark(t *testing.T, path string, tasks, perTask int) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	gen := func() [][]domain.Sample {
		split := make([][]domain.Sample, tasks)
		for k := range split {
			for i := 0; i < perTask; i++ {
				s := domain.Sample{
					Features: []float64{rng.NormFloat64() + float64(k), rng.NormFloat64(), 0.5},
					Present:  i%3 != 0,
				}
				if s.Present {
					s.Start = 0.2 * rng.Float64()
					s.End = s.Start + 0.5
				}
				split[k] = append(split[k], s)
			}
		}
		return split
	}
	require.NoError(t, benchmark.Save(path, &domain.Benchmark{Train: gen(), Val: gen()}))
}

func writeRunConfig(t *testing.T, dir, bench string) string {
	t.Helper()
	path := filepath.Join(dir, "cfg.yaml")
	body := fmt.Sprintf(`seed: 5
output_dir: %s
train:
  batch_size: 4
  lr: 0.05
  total_iteration: 0
  schedular_warmup_iter: 0
  epochs_per_task: 2
test:
  batch_size: 4
cl:
  benchmark: %s
  memory_size: 4
  memory_divisor: 2
  name: ewc
  val_every: 1
log:
  level: error
`, filepath.Join(dir, "out"), bench)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearLauncherEnv(t *testing.T) {
	for _, key := range []string{"RANK", "LOCAL_RANK", "WORLD_SIZE", "MASTER_ADDR", "MASTER_PORT",
		"VILCO_OUTPUT_DIR", "VILCO_LOG_LEVEL", "VILCO_METRICS_LISTEN", "VILCO_LEDGER_DSN"} {
		t.Setenv(key, "")
	}
}

func runCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrainThenEvalCommands(t *testing.T) {
	clearLauncherEnv(t)
	dir := t.TempDir()
	bench := filepath.Join(dir, "bench.json.zst")
	writeBenchmark(t, bench, 3, 8)
	cfg := writeRunConfig(t, dir, bench)

	out, err := runCommand(t, TrainCmd, "--cfg", cfg, "--nproc", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5, out)
	assert.Contains(t, lines[0], "(resume: none)")
	assert.Contains(t, lines[1], "FINAL IOU")

	store, err := checkpoint.NewStore(filepath.Join(dir, "out"))
	require.NoError(t, err)
	defer store.Close()
	last, err := store.Load(domain.CheckpointLast)
	require.NoError(t, err)
	assert.Equal(t, 3, *last.CurrentTask)
	for j := 0; j < 3; j++ {
		assert.True(t, store.Exists(domain.BestIoUName(j)), "task %d", j)
	}
	assert.FileExists(t, filepath.Join(dir, "out", "ledger.db"))

	out, err = runCommand(t, EvalCmd, "--cfg", cfg)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5, out)
	assert.Contains(t, lines[0], "(resume: restored)")
}

func TestEvalCommandWithoutCheckpointFails(t *testing.T) {
	clearLauncherEnv(t)
	dir := t.TempDir()
	bench := filepath.Join(dir, "bench.json.zst")
	writeBenchmark(t, bench, 2, 6)

	_, err := runCommand(t, EvalCmd, "--cfg", writeRunConfig(t, dir, bench))
	assert.ErrorIs(t, err, domain.ErrNothingToEvaluate)
}
