// Package merge combines two coverage reports, deduplicating evidence by
// source, resolving divergent duplicates per policy, and recomputing
// completeness. Merging the same incoming report twice adds nothing.
package merge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/report"
)

// Policy resolves evidence that shares a source but differs in content
type Policy string

const (
	// KeepExisting ignores the incoming version
	KeepExisting Policy = "keep_existing"
	// KeepNew replaces the existing version
	KeepNew Policy = "keep_new"
	// KeepBoth retains the existing version and reports the divergence
	KeepBoth Policy = "keep_both"
)

// ParsePolicy validates a policy name; empty means KeepExisting
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return KeepExisting, nil
	case KeepExisting, KeepNew, KeepBoth:
		return p, nil
	default:
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unknown conflict policy %q", s)
	}
}

// Completeness maps an evidence count to a completeness percentage
func Completeness(evidence int) float64 {
	switch {
	case evidence <= 0:
		return 0
	case evidence <= 2:
		return 33
	case evidence <= 4:
		return 67
	default:
		return 100
	}
}

// Conflict is one divergent duplicate and how it was resolved
type Conflict struct {
	Ref        report.Ref      `json:"ref"`
	Source     string          `json:"source"`
	Existing   report.Evidence `json:"existing"`
	Incoming   report.Evidence `json:"incoming"`
	Resolution Policy          `json:"resolution"`
}

// Stats summarises a merge
type Stats struct {
	ItemsAdded          int `json:"items_added"`
	ItemsDuplicated     int `json:"items_duplicated"`
	EvidenceAdded       int `json:"evidence_added"`
	EvidenceDuplicated  int `json:"evidence_duplicated"`
	CompletenessChanged int `json:"completeness_changed"`
}

// Result is the outcome of Merge
type Result struct {
	Report    *report.Report `json:"report"`
	Stats     Stats          `json:"stats"`
	Conflicts []Conflict     `json:"conflicts"`
	Warnings  []string       `json:"warnings"`
}

// Merger merges reports
type Merger struct {
	policy         Policy
	updateMetadata bool
	source         string
	timeNow        func() time.Time
	logger         *zap.SugaredLogger
}

// Option configures a Merger
type Option func(*Merger)

// WithPolicy sets the conflict policy
func WithPolicy(p Policy) Option {
	return func(m *Merger) { m.policy = p }
}

// WithMetadata enables or disables metadata bookkeeping
func WithMetadata(enabled bool) Option {
	return func(m *Merger) { m.updateMetadata = enabled }
}

// WithSource labels merge history entries, typically with the incoming run id
func WithSource(source string) Option {
	return func(m *Merger) { m.source = source }
}

// WithClock sets the time source for testing
func WithClock(now func() time.Time) Option {
	return func(m *Merger) { m.timeNow = now }
}

// WithLogger sets the logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(m *Merger) { m.logger = logger.OrNop(log) }
}

// New creates a Merger with the keep_existing policy and metadata enabled
func New(opts ...Option) *Merger {
	m := &Merger{
		policy:         KeepExisting,
		updateMetadata: true,
		timeNow:        time.Now,
		logger:         logger.OrNop(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge folds incoming into a copy of existing. Neither input is modified.
func (m *Merger) Merge(existing, incoming *report.Report) (*Result, error) {
	if _, err := ParsePolicy(string(m.policy)); err != nil {
		return nil, err
	}
	if existing == nil {
		existing = report.New()
	}
	if incoming == nil {
		incoming = report.New()
	}

	merged := existing.Clone()
	res := &Result{Report: merged}

	// Store completeness on the scale the existing report uses
	scaleSource := existing
	if len(existing.Pillars) == 0 {
		scaleSource = incoming
	}
	percent := scaleSource.PercentScale()
	if len(scaleSource.Pillars) == 0 {
		percent = true
	}

	known := existing.Sources()
	seenIncoming := make(map[string]struct{})
	added := make(map[string]struct{})

	for pid := range incoming.Pillars {
		if _, ok := existing.Pillars[pid]; !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("pillar %q not present in existing report; added", pid))
		}
	}

	incoming.Walk(func(ref report.Ref, in *report.SubRequirement) bool {
		target, ok := merged.Get(ref)
		if !ok {
			target = &report.SubRequirement{Requirement: in.Requirement}
			merged.Put(ref, target)
		} else if target.Requirement == "" {
			target.Requirement = in.Requirement
		}

		for _, ev := range in.Evidence {
			if _, dup := seenIncoming[ev.Source]; !dup {
				seenIncoming[ev.Source] = struct{}{}
				if _, ok := known[ev.Source]; ok {
					res.Stats.ItemsDuplicated++
				}
			}
			m.mergeEvidence(ref, target, ev, res)
			if _, ok := known[ev.Source]; !ok {
				added[ev.Source] = struct{}{}
			}
		}

		before := target.CompletenessPercent
		target.CompletenessPercent = Completeness(len(target.Evidence))
		if !percent {
			target.CompletenessPercent /= 100
		}
		if target.CompletenessPercent != before {
			res.Stats.CompletenessChanged++
		}
		return true
	})

	// Only sources that actually landed in the merged report count as added
	landed := merged.Sources()
	for src := range added {
		if _, ok := landed[src]; ok {
			res.Stats.ItemsAdded++
		}
	}

	if m.updateMetadata {
		m.updateMeta(merged, res)
	}

	m.logger.Infow("Merged reports",
		"items_added", res.Stats.ItemsAdded,
		"evidence_added", res.Stats.EvidenceAdded,
		"evidence_duplicated", res.Stats.EvidenceDuplicated,
		"conflicts", len(res.Conflicts))
	return res, nil
}

func (m *Merger) mergeEvidence(ref report.Ref, target *report.SubRequirement, ev report.Evidence, res *Result) {
	for i, cur := range target.Evidence {
		if cur.Source != ev.Source {
			continue
		}
		res.Stats.EvidenceDuplicated++
		if cur == ev {
			return
		}

		res.Conflicts = append(res.Conflicts, Conflict{
			Ref:        ref,
			Source:     ev.Source,
			Existing:   cur,
			Incoming:   ev,
			Resolution: m.policy,
		})
		if m.policy == KeepNew {
			target.Evidence[i] = ev
		}
		msg := fmt.Sprintf("%s: evidence from %s differs; resolved with %s", ref, ev.Source, m.policy)
		res.Warnings = append(res.Warnings, msg)
		m.logger.Warnw("Evidence conflict",
			"ref", ref.String(),
			"source", ev.Source,
			"resolution", string(m.policy))
		return
	}

	target.Evidence = append(target.Evidence, ev)
	res.Stats.EvidenceAdded++
}

func (m *Merger) updateMeta(merged *report.Report, res *Result) {
	md := merged.Metadata
	if md == nil {
		md = &report.Metadata{}
		merged.Metadata = md
	}
	now := m.timeNow()
	md.Version++
	md.UpdatedAt = now
	md.TotalItems = len(merged.Sources())
	md.TotalEvidence = merged.EvidenceCount()
	md.MergeHistory = append(md.MergeHistory, report.MergeEvent{
		At:                 now,
		Source:             m.source,
		ItemsAdded:         res.Stats.ItemsAdded,
		EvidenceAdded:      res.Stats.EvidenceAdded,
		EvidenceDuplicated: res.Stats.EvidenceDuplicated,
		Conflicts:          len(res.Conflicts),
	})
}
