package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	domain "github.com/StOnEGiggity/ViLCo/internal/domain/continual"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/checkpoint"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/config"
	"github.com/StOnEGiggity/ViLCo/internal/infrastructure/ledger"
)

// Flag variables for inspect commands
var (
	inspectCfg    string
	inspectDir    string
	inspectFormat string

	inspectDriver string
	inspectDSN    string
	inspectRun    string
)

// InspectCmd is the parent command for read-only inspection.
var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect checkpoints and the run ledger",
}

var inspectCheckpointCmd = &cobra.Command{
	Use:   "checkpoint [name]",
	Short: "List checkpoints or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := inspectDir
		if inspectCfg != "" {
			cfg, err := config.Load(inspectCfg)
			if err != nil {
				return err
			}
			dir = cfg.OutputDir
		}
		store, err := checkpoint.NewStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			return listCheckpoints(cmd.OutOrStdout(), store)
		}
		cpt, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if inspectFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), cpt)
		}
		describeCheckpoint(cmd.OutOrStdout(), args[0], cpt)
		return nil
	},
}

var inspectLedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List runs or show the metrics of one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		lcfg := ledger.Config{Driver: inspectDriver, DSN: inspectDSN}
		if inspectCfg != "" {
			cfg, err := config.Load(inspectCfg)
			if err != nil {
				return err
			}
			lcfg = ledger.Config{Driver: cfg.Ledger.Driver, DSN: cfg.LedgerDSN()}
		}
		if lcfg.DSN == "" {
			return fmt.Errorf("either --cfg or --dsn is required")
		}
		lg, err := ledger.Open(cmd.Context(), lcfg)
		if err != nil {
			return err
		}
		defer lg.Close()

		out := cmd.OutOrStdout()
		if inspectRun == "" {
			runs, err := lg.Runs(cmd.Context())
			if err != nil {
				return err
			}
			if inspectFormat == "json" {
				return writeJSON(out, runs)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMETHOD\tTASKS\tWORLD\tSTATUS\tSTARTED\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n", r.ID, r.Method, r.NumTasks, r.WorldSize,
					r.Status, r.StartedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		}

		run, err := lg.GetRun(cmd.Context(), inspectRun)
		if err != nil {
			return err
		}
		tms, err := lg.TaskMetrics(cmd.Context(), inspectRun)
		if err != nil {
			return err
		}
		history, err := lg.History(cmd.Context(), inspectRun)
		if err != nil {
			return err
		}
		if inspectFormat == "json" {
			return writeJSON(out, map[string]any{"run": run, "tasks": tms, "history": history})
		}
		fmt.Fprintf(out, "Run %s: %s, %d tasks, %s\n\n", run.ID, run.Method, run.NumTasks, run.Status)
		printTaskTable(out, tms)
		fmt.Fprintln(out)
		printHistory(out, history)
		return nil
	},
}

func listCheckpoints(out io.Writer, store *checkpoint.Store) error {
	names, err := store.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTASK\tEPOCH\tSAVED")
	for _, name := range names {
		cpt, err := store.Load(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t%v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, optInt(cpt.CurrentTask), optInt(cpt.Epoch),
			cpt.SavedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func describeCheckpoint(out io.Writer, name string, cpt *domain.Checkpoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", name)
	fmt.Fprintf(w, "Run:\t%s\n", cpt.RunID)
	fmt.Fprintf(w, "Task:\t%s\n", optInt(cpt.CurrentTask))
	fmt.Fprintf(w, "Epoch:\t%s\n", optInt(cpt.Epoch))
	fmt.Fprintf(w, "Saved:\t%s\n", cpt.SavedAt.Format(time.RFC3339))
	scalars := 0
	for _, v := range cpt.StateDict {
		scalars += len(v)
	}
	fmt.Fprintf(w, "Parameters:\t%d tensors, %d values\n", len(cpt.StateDict), scalars)
	if cpt.Optimizer != nil {
		fmt.Fprintf(w, "Optimizer step:\t%d\n", cpt.Optimizer.Step)
	}
	if cpt.Scheduler != nil {
		fmt.Fprintf(w, "Scheduler step:\t%d\n", cpt.Scheduler.LastStep)
	}
	if cpt.Scaler != nil {
		fmt.Fprintf(w, "Loss scale:\t%g\n", cpt.Scaler.Scale)
	}
	if cpt.Regularization != nil {
		fmt.Fprintf(w, "Regularization:\t%s over tasks %v\n", cpt.Regularization.Method, cpt.Regularization.Tasks)
	}
	if cpt.Memory != nil {
		samples := 0
		for _, s := range cpt.Memory.Tasks {
			samples += len(s)
		}
		fmt.Fprintf(w, "Replay memory:\t%d samples from tasks %v (capacity %s)\n",
			samples, cpt.Memory.Consolidated, cpt.Memory.Capacity)
	}
	if cpt.BestIoU != nil {
		fmt.Fprintf(w, "Best IoU:\t%.4f\n", *cpt.BestIoU)
	}
	if cpt.BestProb != nil {
		fmt.Fprintf(w, "Best prob:\t%.4f\n", *cpt.BestProb)
	}
	w.Flush()
	if cpt.History.Len() > 0 {
		fmt.Fprintln(out)
		printHistory(out, cpt.History)
	}
}

// printHistory renders the IoU matrix, one row per finished task.
func printHistory(out io.Writer, h *domain.History) {
	if h.Len() == 0 {
		fmt.Fprintln(out, "No history recorded")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"AFTER"}
	for i := 0; i < h.Len(); i++ {
		header = append(header, fmt.Sprintf("T%d", i))
	}
	fmt.Fprintln(w, strings.Join(append(header, "BWF"), "\t"))
	for j, row := range h.Rows {
		cells := []string{fmt.Sprintf("T%d", j)}
		for i := 0; i < h.Len(); i++ {
			if i < len(row) {
				cells = append(cells, fmt.Sprintf("%.4f", row[i]))
			} else {
				cells = append(cells, "")
			}
		}
		bwf := "-"
		if v, ok := h.BWF(j); ok {
			bwf = fmt.Sprintf("%+.4f", v)
		}
		fmt.Fprintln(w, strings.Join(append(cells, bwf), "\t"))
	}
	w.Flush()
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	InspectCmd.PersistentFlags().StringVar(&inspectCfg, "cfg", "", "Experiment config file (YAML)")
	InspectCmd.PersistentFlags().StringVarP(&inspectFormat, "format", "f", "table", "Output format (table|json)")

	inspectCheckpointCmd.Flags().StringVar(&inspectDir, "dir", "output", "Checkpoint directory when --cfg is not given")

	inspectLedgerCmd.Flags().StringVar(&inspectDriver, "driver", ledger.DriverSQLite, "Ledger driver (sqlite|postgres)")
	inspectLedgerCmd.Flags().StringVar(&inspectDSN, "dsn", "", "Ledger DSN when --cfg is not given")
	inspectLedgerCmd.Flags().StringVar(&inspectRun, "run", "", "Run ID to show")

	InspectCmd.AddCommand(inspectCheckpointCmd)
	InspectCmd.AddCommand(inspectLedgerCmd)
}
