// Package gaps finds under-covered requirements in a prior run's report and
// scores candidate items against them so an incremental run can process a
// narrowed item set.
package gaps

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/report"
)

// MaxKeywords caps the keywords extracted per requirement
const MaxKeywords = 10

// MinKeywordLength is the shortest token kept as a keyword, exclusive
const MinKeywordLength = 3

var stopWords = map[string]struct{}{
	"about": {}, "above": {}, "after": {}, "again": {}, "against": {}, "also": {}, "among": {},
	"been": {}, "before": {}, "being": {}, "below": {}, "between": {}, "both": {}, "could": {},
	"does": {}, "doing": {}, "down": {}, "during": {}, "each": {}, "from": {}, "further": {},
	"have": {}, "having": {}, "here": {}, "into": {}, "just": {}, "more": {}, "most": {},
	"must": {}, "only": {}, "other": {}, "over": {}, "same": {}, "shall": {}, "should": {},
	"some": {}, "such": {}, "than": {}, "that": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "they": {}, "this": {}, "those": {}, "through": {}, "under": {},
	"until": {}, "upon": {}, "very": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "whom": {}, "will": {}, "with": {}, "within": {}, "would": {},
	"your": {}, "describe": {}, "provide": {}, "include": {}, "including": {},
}

// Gap is one sub-requirement whose coverage is below the target
type Gap struct {
	report.Ref
	Text            string   `json:"text,omitempty"`
	CurrentCoverage float64  `json:"current_coverage"`
	TargetCoverage  float64  `json:"target_coverage"`
	GapSize         float64  `json:"gap_size"`
	Keywords        []string `json:"keywords"`
	EvidenceCount   int      `json:"evidence_count"`
}

// Extract walks r and returns every sub-requirement whose normalised
// coverage is strictly below threshold, largest gap first.
func Extract(r *report.Report, threshold float64) ([]Gap, error) {
	if threshold < 0 || threshold > 1 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "gap threshold %v must be within [0,1]", threshold)
	}
	if r == nil {
		return nil, nil
	}

	percent := r.PercentScale()
	var out []Gap
	r.Walk(func(ref report.Ref, sub *report.SubRequirement) bool {
		coverage := r.Coverage(sub, percent)
		if coverage >= threshold {
			return true
		}
		text := sub.Requirement
		if text == "" {
			text = ref.SubRequirement
		}
		out = append(out, Gap{
			Ref:             ref,
			Text:            text,
			CurrentCoverage: coverage,
			TargetCoverage:  threshold,
			GapSize:         max(0, threshold-coverage),
			Keywords:        Keywords(text),
			EvidenceCount:   len(sub.Evidence),
		})
		return true
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].GapSize > out[j].GapSize })
	return out, nil
}

// Keywords lowercases text, strips punctuation, drops stop words and short
// tokens, and returns the first MaxKeywords distinct tokens in order.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range tokenize(text) {
		if utf8.RuneCountInString(tok) <= MinKeywordLength {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == MaxKeywords {
			break
		}
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ByPillar counts gaps per pillar
func ByPillar(gaps []Gap) map[string]int {
	out := make(map[string]int)
	for _, g := range gaps {
		out[g.Pillar]++
	}
	return out
}
