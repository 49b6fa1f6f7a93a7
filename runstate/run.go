// Package runstate owns the persisted Run record: a schema-versioned summary
// of one pipeline run with coverage, gap and execution metrics plus lineage
// to its parent run.
package runstate

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/teranos/docpulse/errors"
)

// CurrentSchemaVersion is the schema written by this binary
const CurrentSchemaVersion = 2

// Kind distinguishes full passes from gap-targeted incremental passes
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Valid reports whether k is a known run kind
func (k Kind) Valid() bool {
	return k == KindFull || k == KindIncremental
}

// Totals counts items across the run
type Totals struct {
	Discovered int `json:"discovered"`
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Coverage aggregates report completeness, normalised to 0-1
type Coverage struct {
	Overall         float64            `json:"overall"`
	ByPillar        map[string]float64 `json:"by_pillar"`
	SubRequirements int                `json:"sub_requirements"`
	FullyCovered    int                `json:"fully_covered"`
}

// GapMetrics aggregates the gap list computed for this run
type GapMetrics struct {
	TotalGaps            int            `json:"total_gaps"`
	ByPillar             map[string]int `json:"by_pillar"`
	DistinctRequirements int            `json:"distinct_requirements"`
	MeanGapSize          float64        `json:"mean_gap_size"`
	Threshold            float64        `json:"threshold"`
	ComputedAt           *time.Time     `json:"computed_at,omitempty"`
}

// Execution records how the run went
type Execution struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Calls           int     `json:"calls"`
	Errors          int     `json:"errors"`
	Retries         int     `json:"retries"`
	Halted          bool    `json:"halted,omitempty"`
	HaltReason      string  `json:"halt_reason,omitempty"`
}

// Run is the persisted summary of one run
type Run struct {
	RunID         string     `json:"run_id"`
	SchemaVersion int        `json:"schema_version"`
	Kind          Kind       `json:"kind"`
	ParentRunID   string     `json:"parent_run_id,omitempty"`
	Generator     string     `json:"generator,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Completed     bool       `json:"completed"`
	Totals        Totals     `json:"totals"`
	Coverage      Coverage   `json:"coverage"`
	Gaps          GapMetrics `json:"gaps"`
	Execution     Execution  `json:"execution"`

	// extra holds fields this binary does not know, written back verbatim.
	// Unknown keys inside the metric sections live under the section name.
	extra        map[string]json.RawMessage
	sectionExtra map[string]map[string]json.RawMessage
}

type runAlias Run

var (
	// knownFields lists the JSON keys owned by Run
	knownFields = jsonKeys(reflect.TypeOf(Run{}))

	// sectionFields lists the keys owned by each nested metric object
	sectionFields = map[string]map[string]struct{}{
		"totals":    jsonKeys(reflect.TypeOf(Totals{})),
		"coverage":  jsonKeys(reflect.TypeOf(Coverage{})),
		"gaps":      jsonKeys(reflect.TypeOf(GapMetrics{})),
		"execution": jsonKeys(reflect.TypeOf(Execution{})),
	}
)

func jsonKeys(t reflect.Type) map[string]struct{} {
	keys := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}

// unknownKeys decodes obj and drops the keys in known. A value that is not
// an object yields nil.
func unknownKeys(obj json.RawMessage, known map[string]struct{}) map[string]json.RawMessage {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(obj, &raw); err != nil {
		return nil
	}
	for k := range raw {
		if _, ok := known[k]; ok {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// UnmarshalJSON decodes a Run and keeps unknown fields for round trips
func (r *Run) UnmarshalJSON(data []byte) error {
	var a runAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name, known := range sectionFields {
		section, ok := raw[name]
		if !ok {
			continue
		}
		if extra := unknownKeys(section, known); extra != nil {
			if a.sectionExtra == nil {
				a.sectionExtra = make(map[string]map[string]json.RawMessage)
			}
			a.sectionExtra[name] = extra
		}
	}
	a.extra = unknownKeys(data, knownFields)
	*r = Run(a)
	return nil
}

// MarshalJSON encodes a Run including any preserved unknown fields
func (r Run) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(runAlias(r))
	if err != nil || (len(r.extra) == 0 && len(r.sectionExtra) == 0) {
		return data, err
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for name, extra := range r.sectionExtra {
		var section map[string]json.RawMessage
		if err := json.Unmarshal(obj[name], &section); err != nil {
			return nil, err
		}
		addMissing(section, extra)
		if obj[name], err = json.Marshal(section); err != nil {
			return nil, err
		}
	}
	addMissing(obj, r.extra)
	return json.Marshal(obj)
}

func addMissing(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// Extra returns the preserved unknown fields
func (r *Run) Extra() map[string]json.RawMessage {
	return r.extra
}

// Clone returns a deep copy
func (r *Run) Clone() *Run {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Gaps.ComputedAt != nil {
		t := *r.Gaps.ComputedAt
		c.Gaps.ComputedAt = &t
	}
	c.Coverage.ByPillar = cloneMap(r.Coverage.ByPillar)
	c.Gaps.ByPillar = cloneMap(r.Gaps.ByPillar)
	c.extra = cloneMap(r.extra)
	if r.sectionExtra != nil {
		c.sectionExtra = make(map[string]map[string]json.RawMessage, len(r.sectionExtra))
		for name, extra := range r.sectionExtra {
			c.sectionExtra[name] = cloneMap(extra)
		}
	}
	return &c
}

// Complete marks the run finished at t
func (r *Run) Complete(t time.Time) {
	r.Completed = true
	r.CompletedAt = &t
}

// Validate checks the kind/parent pairing
func (r *Run) Validate() error {
	if r.RunID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "run_id is required")
	}
	if !r.Kind.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown run kind %q", r.Kind)
	}
	if r.Kind == KindIncremental && r.ParentRunID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "incremental run requires a parent run")
	}
	if r.Kind == KindFull && r.ParentRunID != "" {
		return errors.Wrap(errors.ErrInvalidRequest, "full run cannot have a parent run")
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
