package runstate

import (
	"time"

	"github.com/teranos/docpulse/gaps"
	"github.com/teranos/docpulse/report"
)

// UpdateGapMetrics returns a copy of run with gap metrics recomputed from
// the complete current gap list. Passing a partial list understates the
// counts; callers always pass every gap.
func UpdateGapMetrics(run *Run, list []gaps.Gap, threshold float64, now time.Time) *Run {
	out := run.Clone()

	requirements := make(map[string]struct{})
	total := 0.0
	for _, g := range list {
		requirements[g.Pillar+"/"+g.Requirement] = struct{}{}
		total += g.GapSize
	}

	m := GapMetrics{
		TotalGaps:            len(list),
		ByPillar:             gaps.ByPillar(list),
		DistinctRequirements: len(requirements),
		Threshold:            threshold,
		ComputedAt:           &now,
	}
	if len(list) > 0 {
		m.MeanGapSize = total / float64(len(list))
	}
	out.Gaps = m
	return out
}

// UpdateCoverage returns a copy of run with coverage recomputed from r
func UpdateCoverage(run *Run, r *report.Report) *Run {
	out := run.Clone()
	percent := r.PercentScale()

	c := Coverage{ByPillar: make(map[string]float64)}
	pillarSum := make(map[string]float64)
	pillarCount := make(map[string]int)
	sum := 0.0
	r.Walk(func(ref report.Ref, sub *report.SubRequirement) bool {
		v := r.Coverage(sub, percent)
		sum += v
		c.SubRequirements++
		if v >= 1 {
			c.FullyCovered++
		}
		pillarSum[ref.Pillar] += v
		pillarCount[ref.Pillar]++
		return true
	})
	if c.SubRequirements > 0 {
		c.Overall = sum / float64(c.SubRequirements)
	}
	for p, n := range pillarCount {
		c.ByPillar[p] = pillarSum[p] / float64(n)
	}
	out.Coverage = c
	return out
}
