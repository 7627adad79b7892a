package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
seed: 7
output_dir: /tmp/run
train:
  batch_size: 8
  lr: 0.001
  epochs_per_task: 3
cl:
  benchmark: bench.json
  memory_size: ALL
  name: EWC
  reg_lambda: 100
dist:
  connect_timeout: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.Equal(t, 0.01, cfg.Train.WeightDecay, "unset keys keep defaults")
	assert.True(t, cfg.CL.MemorySize.All)
	assert.Equal(t, continual.MethodEWC, cfg.Method())
	assert.Equal(t, 30*time.Second, cfg.Dist.ConnectTimeout)
	assert.Equal(t, filepath.Join("/tmp/run", "ledger.db"), cfg.LedgerDSN())
}

func TestDefaultValidatesEveryFifthEpoch(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.CL.ValEvery)

	loaded, err := Load(writeConfig(t, "cl:\n  benchmark: b.json\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.CL.ValEvery)
}

func TestLoadMemorySizeInteger(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cl:\n  benchmark: b.json\n  memory_size: 260\n"))
	require.NoError(t, err)
	assert.Equal(t, continual.Samples(260), cfg.CL.MemorySize.MemorySize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "cl:\n  benchmark: b\n  bogus: 1\n", "bogus"},
		{"missing benchmark", "seed: 1\n", "Benchmark"},
		{"bad memory size", "cl:\n  benchmark: b\n  memory_size: lots\n", "memory size"},
		{"bad method", "cl:\n  benchmark: b\n  name: si\n", "unknown regularization method"},
		{"no schedule", "cl:\n  benchmark: b\ntrain:\n  total_iteration: 0\n", "epochs_per_task"},
		{"bad level", "cl:\n  benchmark: b\nlog:\n  level: loud\n", "Level"},
		{"postgres without dsn", "cl:\n  benchmark: b\nledger:\n  driver: postgres\n", "ledger.dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VILCO_LOG_LEVEL", "debug")
	t.Setenv("VILCO_OUTPUT_DIR", "/data/out")
	cfg, err := Load(writeConfig(t, "cl:\n  benchmark: b\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data/out", cfg.OutputDir)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.CL.Benchmark = "b.json"
	cfg.CL.MemorySize = MemorySize{continual.Unbounded()}

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "memory_size: ALL"))

	var back Config
	require.NoError(t, Decode(strings.NewReader(string(data)), &back))
	assert.Equal(t, cfg, back)
}
