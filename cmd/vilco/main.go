// Package main provides the CLI entry point for vilco.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/StOnEGiggity/ViLCo/cmd/vilco/commands"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vilco",
	Short: "ViLCo - continual learning for video-language grounding",
	Long: `vilco trains a grounding model on a sequence of tasks without forgetting
the earlier ones.

It provides:
  - Task streams with episodic replay memory
  - EWC and MAS regularization across task boundaries
  - Checkpointing with exact resume
  - Data-parallel training over in-process or remote ranks
  - A run ledger with per-task metrics and backward transfer`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(commands.TrainCmd)
	rootCmd.AddCommand(commands.EvalCmd)
	rootCmd.AddCommand(commands.InspectCmd)
}
