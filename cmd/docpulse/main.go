package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/cmd/docpulse/commands"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "docpulse",
	Short: "docpulse - batch document pipeline orchestration",
	Long: `docpulse - batch document pipeline orchestration.

docpulse drives documents through an ordered set of processing stages under
a shared call quota, classifies and retries failures, checkpoints progress
so interrupted runs resume, and targets incremental runs at the coverage
gaps of a previous run's report.

Available commands:
  run        - Execute a full or incremental run
  status     - Show the current run and checkpoint
  gaps       - List coverage gaps in a report
  merge      - Merge a report into another
  state      - Inspect and migrate run state
  checkpoint - Manage the checkpoint file
  config     - Manage configuration
  version    - Show version information

Examples:
  docpulse config init                         # Write docpulse.toml with defaults
  docpulse run --items docs/                   # Full run over a directory
  docpulse run --kind incremental --items candidates.json --base-report report.json
  docpulse run --resume --items docs/          # Continue an interrupted run
  docpulse gaps report.json --threshold 0.8    # Show sub-requirements below 80%`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.InitLogging(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Config file (default: discovered docpulse.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.GapsCmd)
	rootCmd.AddCommand(commands.MergeCmd)
	rootCmd.AddCommand(commands.StateCmd)
	rootCmd.AddCommand(commands.CheckpointCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(commands.ExitCode(err))
	}
}
