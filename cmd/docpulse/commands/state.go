package commands

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/display"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/runstate"
)

// StateCmd inspects and migrates run state
var StateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and migrate run state",
	Long: `Inspect the run state file and the lineage registry.

Examples:
  docpulse state show             # Print the run state
  docpulse state migrate          # Upgrade a legacy state file in place
  docpulse state list             # Recent runs from the registry
  docpulse state lineage          # Parent chain of the current run`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the run state",
	RunE:  runStateShow,
}

var stateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade the run state file to the current schema",
	Long: `Upgrade the run state file to the current schema. The original file is
kept beside it as <path>.v<version>.bak.`,
	RunE: runStateMigrate,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs from the registry",
	RunE:  runStateList,
}

var stateLineageCmd = &cobra.Command{
	Use:   "lineage [run-id]",
	Short: "Show the parent chain of a run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateLineage,
}

var stateListLimit int

func init() {
	stateListCmd.Flags().IntVar(&stateListLimit, "limit", 20, "Number of runs to show")

	StateCmd.AddCommand(stateShowCmd)
	StateCmd.AddCommand(stateMigrateCmd)
	StateCmd.AddCommand(stateListCmd)
	StateCmd.AddCommand(stateLineageCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	run, ok := stateManager(cfg, nil).Load()
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "no run state at %s", cfg.State.Path)
	}
	return display.OutputJSON(run)
}

func runStateMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(cfg.State.Path)
	if os.IsNotExist(err) {
		return errors.Wrapf(errors.ErrNotFound, "no run state at %s", cfg.State.Path)
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", cfg.State.Path)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "run state is not JSON: %v", err)
	}
	from, err := runstate.DetectVersion(doc)
	if err != nil {
		return err
	}

	registry, database, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}
	run, ok := stateManager(cfg, registry).Load()
	if !ok {
		return errors.Newf("run state at %s could not be migrated and was quarantined", cfg.State.Path)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]interface{}{
			"run_id":       run.RunID,
			"from_version": from,
			"to_version":   run.SchemaVersion,
			"migrated":     from != run.SchemaVersion,
		})
	}
	if from == run.SchemaVersion {
		pterm.Info.Printf("Run state already at schema version %d\n", from)
		return nil
	}
	pterm.Success.Printf("Migrated run %s from schema %d to %d (backup: %s.v%d.bak)\n",
		run.RunID, from, run.SchemaVersion, cfg.State.Path, from)
	return nil
}

func runStateList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, database, err := requireRegistry(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	records, err := registry.List(commandContext(cmd), stateListLimit)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(records)
	}
	return display.Table(recordHeader, recordRows(records))
}

func runStateLineage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, database, err := requireRegistry(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	runID := ""
	if len(args) == 1 {
		runID = args[0]
	} else if run, ok := stateManager(cfg, nil).Load(); ok {
		runID = run.RunID
	} else {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "no current run"),
			"pass a run id")
	}

	chain, err := registry.Lineage(commandContext(cmd), runID)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(chain)
	}
	return display.Table(recordHeader, recordRows(chain))
}

func requireRegistry(cfg *am.Config) (*runstate.Registry, *sql.DB, error) {
	if cfg.State.DBPath == "" {
		return nil, nil, errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "lineage registry is disabled"),
			"set state.db_path in docpulse.toml")
	}
	return openRegistry(cfg)
}

var recordHeader = []string{"Run", "Kind", "Parent", "Completed", "Processed", "Failed", "Gaps", "Updated"}

func recordRows(records []runstate.Record) [][]string {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			r.RunID,
			string(r.Kind),
			r.ParentRunID,
			fmt.Sprint(r.Completed),
			fmt.Sprint(r.ItemsProcessed),
			fmt.Sprint(r.ItemsFailed),
			fmt.Sprint(r.TotalGaps),
			r.UpdatedAt.Local().Format(time.RFC3339),
		}
	}
	return rows
}
