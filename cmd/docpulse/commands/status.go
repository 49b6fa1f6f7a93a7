package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/display"
	"github.com/teranos/docpulse/pulse/checkpoint"
	"github.com/teranos/docpulse/runstate"
)

// StatusCmd shows the current run and checkpoint
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current run and checkpoint",
	Long: `Show the run recorded in the state file and the progress recorded in
the checkpoint, including items that would be retried on --resume.`,
	RunE: runStatus,
}

type statusOutput struct {
	Run        *runstate.Run     `json:"run,omitempty"`
	Checkpoint *checkpoint.State `json:"checkpoint,omitempty"`
	Incomplete []string          `json:"incomplete,omitempty"`
	Failed     []string          `json:"failed,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var out statusOutput
	if run, ok := stateManager(cfg, nil).Load(); ok {
		out.Run = run
	}
	store := checkpoint.New(cfg.Checkpoint.Path)
	if store.Load() {
		snap := store.Snapshot()
		out.Checkpoint = &snap
		out.Incomplete = store.IncompleteItems()
		out.Failed = store.FailedItems()
	}

	if display.ShouldOutputJSON(cmd) {
		// Item detail is large; the stats carry the summary
		if out.Checkpoint != nil {
			out.Checkpoint.Items = nil
		}
		return display.OutputJSON(out)
	}

	if out.Run == nil && out.Checkpoint == nil {
		pterm.Info.Println("No run recorded")
		return nil
	}
	if run := out.Run; run != nil {
		pairs := [][2]string{
			{"Run", run.RunID},
			{"Kind", string(run.Kind)},
			{"Completed", fmt.Sprint(run.Completed)},
			{"Updated", run.UpdatedAt.Local().Format(time.RFC3339)},
			{"Processed", fmt.Sprint(run.Totals.Processed)},
			{"Failed", fmt.Sprint(run.Totals.Failed)},
			{"Coverage", fmt.Sprintf("%.1f%%", run.Coverage.Overall*100)},
			{"Gaps", fmt.Sprint(run.Gaps.TotalGaps)},
		}
		if run.ParentRunID != "" {
			pairs = append(pairs, [2]string{"Parent", run.ParentRunID})
		}
		if run.Execution.Halted {
			pairs = append(pairs, [2]string{"Halted", run.Execution.HaltReason})
		}
		if err := display.KeyValues("Run", pairs); err != nil {
			return err
		}
	}
	if cp := out.Checkpoint; cp != nil {
		if err := display.KeyValues("Checkpoint", [][2]string{
			{"Run", cp.RunID},
			{"Status", string(cp.Status)},
			{"Items", fmt.Sprint(cp.Stats.Total)},
			{"Completed", fmt.Sprint(cp.Stats.Completed)},
			{"In progress", fmt.Sprint(cp.Stats.InProgress)},
			{"Not started", fmt.Sprint(cp.Stats.NotStarted)},
			{"Failed", fmt.Sprint(cp.Stats.Failed)},
			{"Retries", fmt.Sprint(cp.Stats.Retries)},
		}); err != nil {
			return err
		}
		if len(out.Incomplete) > 0 {
			pterm.Info.Printf("%d items remain; continue with: docpulse run --resume\n", len(out.Incomplete))
		}
	}
	return nil
}
