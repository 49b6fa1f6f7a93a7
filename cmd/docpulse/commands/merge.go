package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/display"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/merge"
	"github.com/teranos/docpulse/report"
)

// MergeCmd merges one report into another
var MergeCmd = &cobra.Command{
	Use:   "merge <existing> <incoming>",
	Short: "Merge a report into another",
	Long: `Merge the incoming report into the existing one. Evidence is deduplicated
by source; a source that makes a different claim is a conflict resolved by
--policy. Neither input is modified unless --out names it.

Examples:
  docpulse merge report.json new.json --out merged.json
  docpulse merge report.json new.json --out report.json --policy keep_new`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

var (
	mergeOut    string
	mergePolicy string
	mergeSource string
)

func init() {
	MergeCmd.Flags().StringVarP(&mergeOut, "out", "o", "", "Write the merged report here (default: print only)")
	MergeCmd.Flags().StringVar(&mergePolicy, "policy", "", "keep_existing, keep_new or keep_both (default: merge.conflict_policy)")
	MergeCmd.Flags().StringVar(&mergeSource, "source", "", "Label recorded in the merge history (default: incoming path)")
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := cfg.Merge.ConflictPolicy
	if mergePolicy != "" {
		name = mergePolicy
	}
	policy, err := merge.ParsePolicy(name)
	if err != nil {
		return err
	}
	source := mergeSource
	if source == "" {
		source = args[1]
	}

	existing, err := report.Load(args[0])
	if err != nil {
		return err
	}
	incoming, err := report.Load(args[1])
	if err != nil {
		return err
	}

	res, err := merge.New(
		merge.WithPolicy(policy),
		merge.WithMetadata(cfg.Merge.UpdateMetadata),
		merge.WithSource(source),
		merge.WithLogger(logger.ComponentLogger("merge")),
	).Merge(existing, incoming)
	if err != nil {
		return err
	}

	if mergeOut != "" {
		if err := report.Save(mergeOut, res.Report); err != nil {
			return err
		}
	}

	if display.ShouldOutputJSON(cmd) {
		if mergeOut != "" {
			// The report is on disk; keep the output to the summary
			return display.OutputJSON(map[string]interface{}{
				"stats":     res.Stats,
				"conflicts": res.Conflicts,
				"warnings":  res.Warnings,
				"out":       mergeOut,
			})
		}
		return display.OutputJSON(res)
	}

	if err := display.KeyValues("Merge", [][2]string{
		{"Policy", string(policy)},
		{"Items added", fmt.Sprint(res.Stats.ItemsAdded)},
		{"Items duplicated", fmt.Sprint(res.Stats.ItemsDuplicated)},
		{"Evidence added", fmt.Sprint(res.Stats.EvidenceAdded)},
		{"Evidence duplicated", fmt.Sprint(res.Stats.EvidenceDuplicated)},
		{"Completeness changed", fmt.Sprint(res.Stats.CompletenessChanged)},
		{"Conflicts", fmt.Sprint(len(res.Conflicts))},
	}); err != nil {
		return err
	}
	for _, c := range res.Conflicts {
		pterm.Warning.Printf("%s: %s claims differ (%s)\n", c.Ref, c.Source, c.Resolution)
	}
	for _, w := range res.Warnings {
		pterm.Warning.Println(w)
	}
	if mergeOut != "" {
		pterm.Success.Printf("Merged report written to %s\n", mergeOut)
	}
	return nil
}
