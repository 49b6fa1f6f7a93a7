// Package report models the hierarchical coverage report produced by a run:
// pillar → requirement → sub-requirement, each leaf carrying a completeness
// value and its supporting evidence.
//
// On the wire a report is a JSON object keyed by pillar id; the reserved key
// "_metadata" carries merge bookkeeping.
package report

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/docpulse/errors"
)

// MetadataKey is the reserved top-level key holding Metadata
const MetadataKey = "_metadata"

// Evidence is one supporting excerpt. Source (the document filename) is the
// identity key used for deduplication.
type Evidence struct {
	Source     string  `json:"source" yaml:"source"`
	Claim      string  `json:"claim,omitempty" yaml:"claim,omitempty"`
	Quote      string  `json:"quote,omitempty" yaml:"quote,omitempty"`
	Page       int     `json:"page,omitempty" yaml:"page,omitempty"`
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// SubRequirement is a leaf of the report
type SubRequirement struct {
	Requirement         string     `json:"requirement,omitempty"`
	CompletenessPercent float64    `json:"completeness_percent"`
	Evidence            []Evidence `json:"evidence"`
}

// Requirement maps sub-requirement ids to leaves
type Requirement map[string]*SubRequirement

// Pillar maps requirement ids to requirements
type Pillar map[string]Requirement

// MergeEvent records one merge into this report
type MergeEvent struct {
	At                 time.Time `json:"at"`
	Source             string    `json:"source,omitempty"`
	ItemsAdded         int       `json:"items_added"`
	EvidenceAdded      int       `json:"evidence_added"`
	EvidenceDuplicated int       `json:"evidence_duplicated"`
	Conflicts          int       `json:"conflicts"`
}

// Metadata is merge bookkeeping kept alongside the pillars
type Metadata struct {
	Version       int          `json:"version"`
	UpdatedAt     time.Time    `json:"updated_at"`
	TotalItems    int          `json:"total_items"`
	TotalEvidence int          `json:"total_evidence"`
	MergeHistory  []MergeEvent `json:"merge_history,omitempty"`
}

// Report is a parsed coverage report
type Report struct {
	Pillars  map[string]Pillar
	Metadata *Metadata
}

// New returns an empty report
func New() *Report {
	return &Report{Pillars: make(map[string]Pillar)}
}

// UnmarshalJSON parses the keyed wire form and validates every leaf
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "report must be a JSON object keyed by pillar")
	}

	out := Report{Pillars: make(map[string]Pillar, len(raw))}
	for key, value := range raw {
		if key == MetadataKey {
			var md Metadata
			if err := json.Unmarshal(value, &md); err != nil {
				return errors.Wrap(err, "parse _metadata")
			}
			out.Metadata = &md
			continue
		}
		var p Pillar
		if err := json.Unmarshal(value, &p); err != nil {
			return errors.Wrapf(err, "pillar %q must map requirement ids to sub-requirements", key)
		}
		if p == nil {
			p = Pillar{}
		}
		out.Pillars[key] = p
	}

	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}

// MarshalJSON writes the keyed wire form
func (r Report) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(r.Pillars)+1)
	for id, p := range r.Pillars {
		obj[id] = p
	}
	if r.Metadata != nil {
		obj[MetadataKey] = r.Metadata
	}
	return json.Marshal(obj)
}

// Validate rejects leaves that cannot be interpreted
func (r *Report) Validate() error {
	var err error
	r.Walk(func(ref Ref, sub *SubRequirement) bool {
		switch {
		case sub == nil:
			err = errors.Wrapf(errors.ErrInvalidRequest, "%s: empty sub-requirement", ref)
		case sub.CompletenessPercent < 0 || sub.CompletenessPercent > 100:
			err = errors.Wrapf(errors.ErrInvalidRequest, "%s: completeness_percent %v out of range", ref, sub.CompletenessPercent)
		default:
			for i, ev := range sub.Evidence {
				if ev.Source == "" {
					err = errors.Wrapf(errors.ErrInvalidRequest, "%s: evidence[%d] has no source", ref, i)
					break
				}
			}
		}
		return err == nil
	})
	return err
}

// Ref locates a sub-requirement
type Ref struct {
	Pillar         string `json:"pillar"`
	Requirement    string `json:"requirement"`
	SubRequirement string `json:"sub_requirement"`
}

func (r Ref) String() string {
	return r.Pillar + "/" + r.Requirement + "/" + r.SubRequirement
}

// Walk visits every sub-requirement in sorted id order until fn returns false
func (r *Report) Walk(fn func(ref Ref, sub *SubRequirement) bool) {
	for _, pid := range sortedKeys(r.Pillars) {
		p := r.Pillars[pid]
		for _, rid := range sortedKeys(p) {
			req := p[rid]
			for _, sid := range sortedKeys(req) {
				if !fn(Ref{Pillar: pid, Requirement: rid, SubRequirement: sid}, req[sid]) {
					return
				}
			}
		}
	}
}

// Get returns the sub-requirement at ref
func (r *Report) Get(ref Ref) (*SubRequirement, bool) {
	p, ok := r.Pillars[ref.Pillar]
	if !ok {
		return nil, false
	}
	req, ok := p[ref.Requirement]
	if !ok {
		return nil, false
	}
	sub, ok := req[ref.SubRequirement]
	return sub, ok && sub != nil
}

// Put stores sub at ref, creating the pillar and requirement as needed
func (r *Report) Put(ref Ref, sub *SubRequirement) {
	if r.Pillars == nil {
		r.Pillars = make(map[string]Pillar)
	}
	p, ok := r.Pillars[ref.Pillar]
	if !ok {
		p = Pillar{}
		r.Pillars[ref.Pillar] = p
	}
	req, ok := p[ref.Requirement]
	if !ok {
		req = Requirement{}
		p[ref.Requirement] = req
	}
	req[ref.SubRequirement] = sub
}

// Clone returns a deep copy
func (r *Report) Clone() *Report {
	c := New()
	r.Walk(func(ref Ref, sub *SubRequirement) bool {
		cp := *sub
		cp.Evidence = append([]Evidence(nil), sub.Evidence...)
		c.Put(ref, &cp)
		return true
	})
	// Keep empty pillars and requirements
	for pid, p := range r.Pillars {
		if _, ok := c.Pillars[pid]; !ok {
			c.Pillars[pid] = Pillar{}
		}
		for rid := range p {
			if _, ok := c.Pillars[pid][rid]; !ok {
				c.Pillars[pid][rid] = Requirement{}
			}
		}
	}
	if r.Metadata != nil {
		md := *r.Metadata
		md.MergeHistory = append([]MergeEvent(nil), r.Metadata.MergeHistory...)
		c.Metadata = &md
	}
	return c
}

// PercentScale reports whether completeness values are stored as 0-100.
// A report is on the percent scale when any leaf exceeds 1.
func (r *Report) PercentScale() bool {
	percent := false
	r.Walk(func(_ Ref, sub *SubRequirement) bool {
		if sub.CompletenessPercent > 1 {
			percent = true
			return false
		}
		return true
	})
	return percent
}

// Coverage returns the completeness of sub normalised to 0-1
func (r *Report) Coverage(sub *SubRequirement, percentScale bool) float64 {
	if percentScale {
		return sub.CompletenessPercent / 100
	}
	return sub.CompletenessPercent
}

// Sources returns the distinct evidence sources of the report
func (r *Report) Sources() map[string]struct{} {
	out := make(map[string]struct{})
	r.Walk(func(_ Ref, sub *SubRequirement) bool {
		for _, ev := range sub.Evidence {
			out[ev.Source] = struct{}{}
		}
		return true
	})
	return out
}

// EvidenceCount returns the total number of evidence entries
func (r *Report) EvidenceCount() int {
	n := 0
	r.Walk(func(_ Ref, sub *SubRequirement) bool {
		n += len(sub.Evidence)
		return true
	})
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
