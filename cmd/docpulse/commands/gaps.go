package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/docpulse/display"
	"github.com/teranos/docpulse/gaps"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/orchestrate"
	"github.com/teranos/docpulse/report"
)

// GapsCmd lists the coverage gaps of a report
var GapsCmd = &cobra.Command{
	Use:   "gaps <report>",
	Short: "List coverage gaps in a report",
	Long: `List sub-requirements whose coverage is below the threshold, largest
gap first. With --items, also score candidate items against the gaps and
show which an incremental run would process.

Examples:
  docpulse gaps report.json
  docpulse gaps report.yaml --threshold 0.9
  docpulse gaps report.json --items candidates.json`,
	Args: cobra.ExactArgs(1),
	RunE: runGaps,
}

var (
	gapsThreshold float64
	gapsItems     string
)

func init() {
	GapsCmd.Flags().Float64Var(&gapsThreshold, "threshold", -1, "Target coverage 0-1 (default: gaps.threshold)")
	GapsCmd.Flags().StringVar(&gapsItems, "items", "", "Candidate items to score against the gaps")
}

type gapsOutput struct {
	Threshold float64         `json:"threshold"`
	Gaps      []gaps.Gap      `json:"gaps"`
	ByPillar  map[string]int  `json:"by_pillar"`
	Partition *gaps.Partition `json:"partition,omitempty"`
}

func runGaps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	threshold := cfg.Gaps.Threshold
	if gapsThreshold >= 0 {
		threshold = gapsThreshold
	}

	r, err := report.Load(args[0])
	if err != nil {
		return err
	}
	list, err := gaps.Extract(r, threshold)
	if err != nil {
		return err
	}
	out := gapsOutput{Threshold: threshold, Gaps: list, ByPillar: gaps.ByPillar(list)}

	if gapsItems != "" {
		items, err := orchestrate.LoadItems(gapsItems)
		if err != nil {
			return err
		}
		part, err := gaps.NewScorer(gaps.WithLogger(logger.ComponentLogger("gaps"))).
			Partition(commandContext(cmd), items, list, cfg.Gaps.RelevanceThreshold)
		if err != nil {
			return err
		}
		out.Partition = &part
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(out)
	}

	if len(list) == 0 {
		pterm.Success.Printf("No gaps below %.0f%%\n", threshold*100)
		return nil
	}
	rows := make([][]string, len(list))
	for i, g := range list {
		rows[i] = []string{
			g.Ref.String(),
			fmt.Sprintf("%.0f%%", g.CurrentCoverage*100),
			fmt.Sprintf("%.2f", g.GapSize),
			fmt.Sprint(g.EvidenceCount),
			strings.Join(g.Keywords, " "),
		}
	}
	if err := display.Table([]string{"Sub-requirement", "Coverage", "Gap", "Evidence", "Keywords"}, rows); err != nil {
		return err
	}
	pterm.Info.Printf("%d gaps below %.0f%%\n", len(list), threshold*100)

	if p := out.Partition; p != nil {
		rows := make([][]string, 0, len(p.Process))
		for _, sc := range p.Process {
			rows = append(rows, []string{sc.Item.ID, sc.Item.Title, fmt.Sprintf("%.2f", sc.Score)})
		}
		if err := display.Table([]string{"Item", "Title", "Score"}, rows); err != nil {
			return err
		}
		pterm.Info.Printf("%d of %d items relevant at %.2f\n",
			len(p.Process), len(p.Process)+len(p.Skip), cfg.Gaps.RelevanceThreshold)
	}
	return nil
}
