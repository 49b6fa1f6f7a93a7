package checkpoint

import (
	"sort"
	"time"

	"github.com/teranos/docpulse/pulse/retry"
)

// SchemaVersion of the checkpoint file
const SchemaVersion = 1

// Stage is the lifecycle position of one item
type Stage string

const (
	StageNotStarted Stage = "not_started"
	StageInProgress Stage = "in_progress"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transition is allowed
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// RunStatus is the run-level status surfaced to callers
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RetryRecord is one failed attempt kept for observability. It does not
// drive control flow.
type RetryRecord struct {
	Stage          string     `json:"stage"`
	Attempt        int        `json:"attempt"`
	Classification retry.Kind `json:"classification"`
	DelayMS        int64      `json:"delay_ms"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
}

// ItemProgress is the per-item record
type ItemProgress struct {
	Stage       Stage                `json:"stage"`
	Stages      map[string]time.Time `json:"stages"`
	StageOrder  []string             `json:"stage_order,omitempty"`
	Retries     int                  `json:"retries"`
	StartedAt   *time.Time           `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at"`
	LastError   string               `json:"last_error"`
	Errors      []RetryRecord        `json:"errors"`
}

// CompletedStages returns the finished stage names in the order they were
// reported. Names missing from stage_order, as in files written before it
// existed, follow by timestamp then name.
func (p *ItemProgress) CompletedStages() []string {
	names := make([]string, 0, len(p.Stages))
	seen := make(map[string]bool, len(p.StageOrder))
	for _, name := range p.StageOrder {
		if _, ok := p.Stages[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(p.Stages)-len(names))
	for name := range p.Stages {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		ti, tj := p.Stages[rest[i]], p.Stages[rest[j]]
		if ti.Equal(tj) {
			return rest[i] < rest[j]
		}
		return ti.Before(tj)
	})
	return append(names, rest...)
}

// HasStage reports whether stage already completed for this item
func (p *ItemProgress) HasStage(stage string) bool {
	_, ok := p.Stages[stage]
	return ok
}

func (p *ItemProgress) clone() *ItemProgress {
	c := *p
	c.Stages = make(map[string]time.Time, len(p.Stages))
	for k, v := range p.Stages {
		c.Stages[k] = v
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		c.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	c.StageOrder = append([]string(nil), p.StageOrder...)
	c.Errors = append([]RetryRecord(nil), p.Errors...)
	return &c
}

// Stats summarises item stages, recomputed on every save
type Stats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
	NotStarted int `json:"not_started"`
	Retries    int `json:"retries"`
}

// State is the on-disk checkpoint document
type State struct {
	RunID         string                   `json:"run_id"`
	SchemaVersion int                      `json:"schema_version"`
	StartedAt     time.Time                `json:"started_at"`
	LastUpdated   time.Time                `json:"last_updated"`
	Status        RunStatus                `json:"status"`
	Items         map[string]*ItemProgress `json:"items"`
	Stats         Stats                    `json:"stats"`
}

func (s *State) clone() State {
	c := *s
	c.Items = make(map[string]*ItemProgress, len(s.Items))
	for id, p := range s.Items {
		c.Items[id] = p.clone()
	}
	return c
}

func (s *State) computeStats() Stats {
	st := Stats{Total: len(s.Items)}
	for _, p := range s.Items {
		switch p.Stage {
		case StageCompleted:
			st.Completed++
		case StageFailed:
			st.Failed++
		case StageInProgress:
			st.InProgress++
		default:
			st.NotStarted++
		}
		st.Retries += p.Retries
	}
	return st
}
