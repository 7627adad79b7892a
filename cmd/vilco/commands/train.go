// Package commands provides CLI command implementations.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	appContinual "github.com/StOnEGiggity/ViLCo/internal/application/continual"
	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/benchmark"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/config"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/dist"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/grounding"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/ledger"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/logging"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/metrics"
)

// Flag variables for train and eval
var (
	trainCfg       string
	trainEval      bool
	trainLocalRank int
	trainNProc     string

	evalCfg string
)

// TrainCmd trains on every task of a benchmark.
var TrainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train on every task of a benchmark",
	Long: `Train the grounding model task by task.

Without WORLD_SIZE in the environment the run uses --nproc in-process ranks
(or dist.nproc from the config; "auto" uses one rank per physical core).
Under a launcher that sets RANK, WORLD_SIZE, MASTER_ADDR and MASTER_PORT
each process joins the group hosted by rank 0.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd.Context(), runOptions{
			cfgPath:   trainCfg,
			eval:      trainEval,
			localRank: trainLocalRank,
			nproc:     trainNProc,
			out:       cmd.OutOrStdout(),
			errOut:    cmd.ErrOrStderr(),
		})
	},
}

// EvalCmd runs the final validation of every task from saved checkpoints.
var EvalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate saved checkpoints on every task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return execute(cmd.Context(), runOptions{
			cfgPath:   evalCfg,
			eval:      true,
			localRank: -1,
			nproc:     "1",
			out:       cmd.OutOrStdout(),
			errOut:    cmd.ErrOrStderr(),
		})
	},
}

type runOptions struct {
	cfgPath   string
	eval      bool
	localRank int
	nproc     string

	out    io.Writer
	errOut io.Writer
}

func execute(parent context.Context, opts runOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(opts.errOut, cfg.Log.Level)
	if err != nil {
		return err
	}

	bench, err := benchmark.Load(cfg.CL.Benchmark)
	if err != nil {
		return err
	}
	dim := benchmark.FeatureDim(bench)
	if cfg.Model.FeatureDim == 0 {
		cfg.Model.FeatureDim = dim
	} else if cfg.Model.FeatureDim != dim {
		return fmt.Errorf("model.feature_dim %d does not match benchmark features of width %d", cfg.Model.FeatureDim, dim)
	}

	env, err := dist.FromEnv(opts.localRank)
	if err != nil {
		return err
	}
	if os.Getenv("MASTER_ADDR") == "" {
		env.MasterAddr = cfg.Dist.MasterAddr
	}
	if os.Getenv("MASTER_PORT") == "" {
		env.MasterPort = cfg.Dist.MasterPort
	}
	logger.Info("host", "cpu", cpuid.CPU.BrandName, "physicalCores", cpuid.CPU.PhysicalCores,
		"logicalCores", cpuid.CPU.LogicalCores, "tasks", bench.NumTasks(), "featureDim", dim)

	if env.WorldSize > 1 {
		coord, err := dist.Connect(ctx, env, dist.RemoteOptions{
			ConnectTimeout: cfg.Dist.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("join process group: %w", err)
		}
		defer coord.Close()
		return runRank(ctx, coord, cfg, bench, logger, opts)
	}

	n, err := resolveNProc(opts.nproc, cfg.Dist.NProc)
	if err != nil {
		return err
	}
	if n == 1 {
		return runRank(ctx, dist.NewSingle(), cfg, bench, logger, opts)
	}
	logger.Info("launching in-process ranks", "nproc", n)
	return dist.Launch(ctx, n, func(ctx context.Context, c dist.Coordinator) error {
		return runRank(ctx, c, cfg, bench, logger, opts)
	})
}

// resolveNProc picks the number of in-process ranks from the flag, then the
// config. "auto" and a zero config value use the physical core count.
func resolveNProc(flag string, configured int) (int, error) {
	s := strings.ToLower(strings.TrimSpace(flag))
	if s == "" {
		if configured > 0 {
			return configured, nil
		}
		s = "auto"
	}
	if s == "auto" {
		n := cpuid.CPU.PhysicalCores
		if n < 1 {
			n = runtime.NumCPU()
		}
		return n, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("--nproc %q: want a positive integer or auto", flag)
	}
	return n, nil
}

func runRank(ctx context.Context, coord dist.Coordinator, cfg config.Config, bench *domain.Benchmark, logger *slog.Logger, ro runOptions) error {
	log := logging.ForRank(logger, coord.Rank())

	model, err := grounding.NewMatcher(grounding.MatcherConfig{
		FeatureDim: cfg.Model.FeatureDim,
		Seed:       cfg.Seed,
		InitStd:    cfg.Model.InitStd,
		Autocast:   cfg.Train.AMP,
	})
	if err != nil {
		return err
	}
	store, err := checkpoint.NewStore(cfg.OutputDir)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := appContinual.Options{
		Config:    cfg,
		Benchmark: bench,
		Model:     model,
		Coord:     coord,
		Store:     store,
		Logger:    log,
	}
	if coord.IsLeader() {
		m := metrics.New()
		opts.Metrics = m
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
					log.Error("metrics endpoint failed", "error", err)
				}
			}()
		}
		if !ro.eval {
			lg, err := ledger.Open(ctx, ledger.Config{Driver: cfg.Ledger.Driver, DSN: cfg.LedgerDSN()})
			if err != nil {
				return err
			}
			defer lg.Close()
			opts.Ledger = lg
		}
	}

	orch, err := appContinual.NewOrchestrator(opts)
	if err != nil {
		return err
	}
	var sum *appContinual.Summary
	if ro.eval {
		sum, err = orch.Evaluate(ctx)
	} else {
		sum, err = orch.Run(ctx)
	}
	if err != nil {
		return err
	}
	if coord.IsLeader() {
		printSummary(ro.out, sum)
	}
	return nil
}

func printSummary(out io.Writer, sum *appContinual.Summary) {
	fmt.Fprintf(out, "Run %s (resume: %s)\n", sum.RunID, sum.Resume.Status)
	printTaskTable(out, sum.Tasks)
}

func printTaskTable(out io.Writer, tasks []domain.TaskMetrics) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tBEST IOU\tBEST PROB\tFINAL IOU\tFINAL PROB\tBWF")
	for _, tm := range tasks {
		fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
			tm.Task, tm.BestIoU, tm.BestProb, tm.FinalIoU, tm.FinalProb, formatBWF(tm.BWF))
	}
	w.Flush()
}

func formatBWF(bwf *float64) string {
	if bwf == nil {
		return "-"
	}
	return fmt.Sprintf("%+.4f", *bwf)
}

func init() {
	TrainCmd.Flags().StringVar(&trainCfg, "cfg", "", "Experiment config file (YAML)")
	TrainCmd.Flags().BoolVar(&trainEval, "eval", false, "Evaluate saved checkpoints instead of training")
	TrainCmd.Flags().IntVar(&trainLocalRank, "local_rank", -1, "Node-local rank for distributed training")
	TrainCmd.Flags().StringVar(&trainNProc, "nproc", "", "In-process ranks (N|auto); defaults to dist.nproc")
	_ = TrainCmd.MarkFlagRequired("cfg")

	EvalCmd.Flags().StringVar(&evalCfg, "cfg", "", "Experiment config file (YAML)")
	_ = EvalCmd.MarkFlagRequired("cfg")
}
