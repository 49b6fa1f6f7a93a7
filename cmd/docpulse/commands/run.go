package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/display"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/metrics"
	"github.com/teranos/docpulse/orchestrate"
	"github.com/teranos/docpulse/pulse"
	"github.com/teranos/docpulse/pulse/checkpoint"
	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/runstate"
	"github.com/teranos/docpulse/stages"
)

// RunCmd executes a run
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a full or incremental run",
	Long: `Execute a run over a set of items.

A full run processes every item. An incremental run extracts the coverage
gaps of the parent run's report, processes only the items relevant to
those gaps, and merges the new results into the parent's report.

Interrupt with Ctrl-C: in-flight stage calls finish and are checkpointed,
and the run can be continued with --resume.

Examples:
  docpulse run --items docs/
  docpulse run --items items.json --resume
  docpulse run --kind incremental --items candidates.json \
      --base-report report.json --result-report new.json --merged-report merged.json
  docpulse run --items docs/ --dry-run`,
	RunE: runRun,
}

var (
	runKind         string
	runItems        string
	runParent       string
	runBaseReport   string
	runResultReport string
	runMergedReport string
	runResume       bool
	runDryRun       bool
	runWorkers      int
)

func init() {
	RunCmd.Flags().StringVar(&runKind, "kind", string(runstate.KindFull), "Run kind: full or incremental")
	RunCmd.Flags().StringVar(&runItems, "items", "", "Items to process: a directory, .json, .yaml or a text file of ids")
	RunCmd.Flags().StringVar(&runParent, "parent", "", "Parent run id for incremental runs (default: last completed run)")
	RunCmd.Flags().StringVar(&runBaseReport, "base-report", "", "Parent run's report: gap source and merge base")
	RunCmd.Flags().StringVar(&runResultReport, "result-report", "", "Report produced by the stages for this run")
	RunCmd.Flags().StringVar(&runMergedReport, "merged-report", "", "Where to write the merged report (default: --base-report)")
	RunCmd.Flags().BoolVar(&runResume, "resume", false, "Continue the run recorded in the checkpoint")
	RunCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate inputs without calling stages or writing state")
	RunCmd.Flags().IntVar(&runWorkers, "workers", 0, "Override pulse.workers")
	_ = RunCmd.MarkFlagRequired("items")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runDryRun {
		cfg.Pulse.DryRun = true
	}
	if runWorkers > 0 {
		cfg.Pulse.Workers = runWorkers
	}
	log := logger.ComponentLogger("run")

	items, err := orchestrate.LoadItems(runItems)
	if err != nil {
		return err
	}

	executor, err := newExecutor(cfg)
	if err != nil {
		return err
	}

	jsonOut := display.ShouldOutputJSON(cmd)
	var emitter pulse.ProgressEmitter
	if jsonOut {
		emitter = display.NewJSONEmitter(os.Stderr)
	} else {
		emitter = display.NewCLIEmitter(verbosity(cmd), len(items))
	}

	opts := []orchestrate.Option{
		orchestrate.WithEmitter(emitter),
		orchestrate.WithLogger(log),
	}

	if !cfg.Pulse.DryRun {
		if err := ensureDirs(cfg); err != nil {
			return err
		}
		registry, database, err := openRegistry(cfg)
		if err != nil {
			log.Warnw("Lineage registry unavailable", logger.FieldError, err.Error())
		} else if database != nil {
			defer database.Close()
			opts = append(opts, orchestrate.WithRegistry(registry))
		}

		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		opts = append(opts, orchestrate.WithRecorder(m))
		if cfg.Metrics.Addr != "" {
			srv, err := metrics.NewServer(cfg.Metrics.Addr, reg, checkpointStatus(cfg), logger.ComponentLogger("metrics"))
			if err != nil {
				return err
			}
			srv.Start()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Stop(ctx)
			}()
		}

		if path := configPath(); path != "" {
			watcher, err := am.NewConfigWatcher(path, logger.ComponentLogger("config"))
			if err != nil {
				log.Warnw("Config hot reload unavailable", logger.FieldError, err.Error())
			} else {
				watcher.Start()
				defer watcher.Stop()
				opts = append(opts, orchestrate.WithWatcher(watcher))
			}
		}
	}

	driver, err := orchestrate.New(cfg, executor, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, runErr := driver.Run(ctx, orchestrate.Request{
		Kind:         runstate.Kind(runKind),
		ParentRunID:  runParent,
		Items:        items,
		BaseReport:   runBaseReport,
		ResultReport: runResultReport,
		MergedReport: runMergedReport,
		Resume:       runResume,
	})
	if out == nil {
		return runErr
	}

	if jsonOut {
		if err := display.OutputJSON(out); err != nil {
			return err
		}
		return runErr
	}
	printOutcome(out, cfg.Pulse.DryRun)
	if ctx.Err() != nil && runErr == nil {
		pterm.Warning.Println("Run interrupted; continue with --resume")
	}
	return runErr
}

func newExecutor(cfg *am.Config) (coordinator.Executor, error) {
	if cfg.Executor.URL == "" && cfg.Pulse.DryRun {
		return coordinator.ExecutorFunc(func(context.Context, string, string) (*coordinator.StageResult, error) {
			return nil, errors.New("no executor configured")
		}), nil
	}
	return stages.NewHTTPExecutor(cfg.Executor, logger.ComponentLogger("executor"))
}

func configPath() string {
	if ConfigFile != "" {
		return ConfigFile
	}
	return am.FindConfig()
}

// checkpointStatus reports checkpoint progress on /health
func checkpointStatus(cfg *am.Config) metrics.StatusFunc {
	return func() map[string]interface{} {
		store := checkpoint.New(cfg.Checkpoint.Path)
		if !store.Load() {
			return map[string]interface{}{"run": "none"}
		}
		snap := store.Snapshot()
		return map[string]interface{}{
			"run_id":     snap.RunID,
			"run_status": snap.Status,
			"items":      snap.Stats,
		}
	}
}

func printOutcome(out *orchestrate.Outcome, dryRun bool) {
	s := out.Summary
	if dryRun {
		pterm.Warning.Println("DRY RUN: no stage calls, no state written")
	}
	pairs := [][2]string{
		{"Run", out.Run.RunID},
		{"Kind", string(out.Run.Kind)},
		{"Successful", fmt.Sprint(s.Successful)},
		{"Failed", fmt.Sprint(s.Failed)},
		{"Skipped", fmt.Sprint(s.Skipped)},
		{"Aborted", fmt.Sprint(s.Aborted)},
		{"Calls", fmt.Sprint(s.Calls)},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
	}
	if out.Run.ParentRunID != "" {
		pairs = append(pairs, [2]string{"Parent", out.Run.ParentRunID})
	}
	if out.Partition != nil {
		pairs = append(pairs,
			[2]string{"Gaps", fmt.Sprint(len(out.Gaps))},
			[2]string{"Relevant items", fmt.Sprintf("%d of %d", len(out.Partition.Process), len(out.Partition.Process)+len(out.Partition.Skip))})
	}
	if len(out.Reopened) > 0 {
		pairs = append(pairs, [2]string{"Reopened", fmt.Sprint(len(out.Reopened))})
	}
	if out.Merge != nil {
		pairs = append(pairs,
			[2]string{"Evidence added", fmt.Sprint(out.Merge.Stats.EvidenceAdded)},
			[2]string{"Conflicts", fmt.Sprint(len(out.Merge.Conflicts))})
	}
	_ = display.KeyValues("Run summary", pairs)

	if out.Merge != nil {
		for _, w := range out.Merge.Warnings {
			pterm.Warning.Println(w)
		}
	}
	if s.Halted {
		pterm.Error.Printf("Run halted: %s\n", s.HaltReason)
	}
}
