// Package config loads and validates the trainer configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// Config is the full trainer configuration.
type Config struct {
	// Seed seeds task order, sampling, exemplar selection and model init.
	Seed int64 `yaml:"seed"`

	// OutputDir receives checkpoints and the default ledger database.
	OutputDir string `yaml:"output_dir" validate:"required"`

	Model   ModelConfig   `yaml:"model"`
	Train   TrainConfig   `yaml:"train"`
	Test    TestConfig    `yaml:"test"`
	CL      CLConfig      `yaml:"cl"`
	Dist    DistConfig    `yaml:"dist"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// ModelConfig configures the grounding model.
type ModelConfig struct {
	// FeatureDim is the input width; 0 takes it from the benchmark.
	FeatureDim int     `yaml:"feature_dim" validate:"gte=0"`
	InitStd    float64 `yaml:"init_std" validate:"gt=0"`
}

// TrainConfig configures optimization.
type TrainConfig struct {
	BatchSize           int     `yaml:"batch_size" validate:"gt=0"`
	LR                  float64 `yaml:"lr" validate:"gt=0"`
	WeightDecay         float64 `yaml:"weight_decay" validate:"gte=0"`
	TotalIteration      int     `yaml:"total_iteration" validate:"gte=0"`
	SchedularWarmupIter int     `yaml:"schedular_warmup_iter" validate:"gte=0"`
	EpochsPerTask       int     `yaml:"epochs_per_task" validate:"gte=0"`
	Resume              bool    `yaml:"resume"`
	AMP                 bool    `yaml:"amp"`
	MaxGradSkips        int     `yaml:"max_grad_skips" validate:"gte=0"`
}

// TestConfig configures validation.
type TestConfig struct {
	BatchSize int `yaml:"batch_size" validate:"gt=0"`
}

// CLConfig configures the continual-learning components.
type CLConfig struct {
	Benchmark         string     `yaml:"benchmark" validate:"required"`
	MemorySize        MemorySize `yaml:"memory_size"`
	MemoryDivisor     int        `yaml:"memory_divisor" validate:"gte=0"`
	RandomOrder       bool       `yaml:"random_order"`
	Name              string     `yaml:"name"`
	RegLambda         float64    `yaml:"reg_lambda" validate:"gte=0"`
	EWCGamma          float64    `yaml:"ewc_gamma" validate:"gt=0,lte=1"`
	ImportanceBatches int        `yaml:"importance_batches" validate:"gte=0"`
	ValEvery          int        `yaml:"val_every" validate:"gte=1"`
}

// DistConfig configures the process group.
type DistConfig struct {
	// NProc is the number of in-process ranks when no launcher provides
	// WORLD_SIZE; 0 uses one rank per physical core.
	NProc                int           `yaml:"nproc" validate:"gte=0"`
	MasterAddr           string        `yaml:"master_addr" validate:"required"`
	MasterPort           int           `yaml:"master_port" validate:"gt=0,lt=65536"`
	FindUnusedParameters bool          `yaml:"find_unused_parameters"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" validate:"gt=0"`
}

// LedgerConfig configures the run ledger.
type LedgerConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	// DSN defaults to <output_dir>/ledger.db for sqlite.
	DSN string `yaml:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is host:port for /metrics; empty disables the endpoint.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// MemorySize accepts an integer or ALL in YAML.
type MemorySize struct {
	continual.MemorySize
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MemorySize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: memory_size must be a scalar", node.Line)
	}
	return m.UnmarshalText([]byte(node.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (m MemorySize) MarshalYAML() (interface{}, error) {
	if m.All {
		return "ALL", nil
	}
	return m.N, nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		OutputDir: "output",
		Model: ModelConfig{
			InitStd: 0.1,
		},
		Train: TrainConfig{
			BatchSize:           32,
			LR:                  1e-4,
			WeightDecay:         0.01,
			TotalIteration:      1000,
			SchedularWarmupIter: 100,
			MaxGradSkips:        100,
		},
		Test: TestConfig{BatchSize: 64},
		CL: CLConfig{
			MemorySize:    MemorySize{continual.Samples(0)},
			MemoryDivisor: 13,
			Name:          string(continual.MethodNone),
			RegLambda:     1,
			EWCGamma:      1,
			ValEvery:      5,
		},
		Dist: DistConfig{
			NProc:                1,
			MasterAddr:           "127.0.0.1",
			MasterPort:           29500,
			FindUnusedParameters: true,
			ConnectTimeout:       5 * time.Minute,
		},
		Ledger: LedgerConfig{Driver: "sqlite"},
		Log:    LogConfig{Level: "info"},
	}
}

var validate = validator.New()

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Decode reads YAML into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VILCO_OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v := os.Getenv("VILCO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VILCO_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("VILCO_LEDGER_DSN"); v != "" {
		cfg.Ledger.DSN = v
	}
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, err := continual.ParseMethod(c.CL.Name); err != nil {
		return err
	}
	if c.Train.EpochsPerTask == 0 && c.Train.TotalIteration == 0 {
		return errors.New("one of train.epochs_per_task and train.total_iteration must be set")
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return errors.New("ledger.dsn is required for postgres")
	}
	return nil
}

// Method returns the regularization method.
func (c Config) Method() continual.Method {
	m, _ := continual.ParseMethod(c.CL.Name)
	return m
}

// LedgerDSN returns the ledger data source, defaulting to a sqlite file in
// the output directory.
func (c Config) LedgerDSN() string {
	if c.Ledger.DSN != "" {
		return c.Ledger.DSN
	}
	return filepath.Join(c.OutputDir, "ledger.db")
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
