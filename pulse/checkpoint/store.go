// Package checkpoint persists per-run and per-item progress so an
// interrupted run can resume where it stopped.
//
// Every mutation rewrites the whole document via temp file and rename. An
// unreadable checkpoint is quarantined and treated as absent.
package checkpoint

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/pulse/retry"
)

// Transition describes a stage change of one item
type Transition struct {
	Stage           Stage
	CompletedStages []string     // stages finished by this transition
	Failure         *RetryRecord // set when the item fails
}

// Store is the checkpoint of one run. One lock guards the in-memory state
// and the write that follows each mutation.
type Store struct {
	path    string
	mu      sync.Mutex
	state   State
	timeNow func() time.Time
	logger  *zap.SugaredLogger
}

// Option configures a Store
type Option func(*Store)

// WithClock injects the time source (for testing)
func WithClock(timeNow func() time.Time) Option {
	return func(s *Store) { s.timeNow = timeNow }
}

// WithLogger sets the component logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store for the checkpoint at path. Nothing is read until Load.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, timeNow: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	s.state = newState("", s.timeNow())
	return s
}

func newState(runID string, now time.Time) State {
	return State{
		RunID:         runID,
		SchemaVersion: SchemaVersion,
		StartedAt:     now,
		LastUpdated:   now,
		Status:        RunQueued,
		Items:         make(map[string]*ItemProgress),
	}
}

// Path returns the checkpoint file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint from disk. Returns false when there is none; a
// corrupt or unreadable file is quarantined and also reported as absent.
func (s *Store) Load() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false
	}
	if err != nil {
		s.logger.Warnw("Checkpoint unreadable, starting fresh", logger.FieldPath, s.path, logger.FieldError, err)
		return false
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.quarantine(err)
		return false
	}
	if st.SchemaVersion > SchemaVersion {
		s.logger.Warnw("Checkpoint written by a newer schema, loading best-effort",
			"schema_version", st.SchemaVersion, "supported", SchemaVersion)
	}
	if st.Items == nil {
		st.Items = make(map[string]*ItemProgress)
	}
	for id, p := range st.Items {
		if p == nil {
			st.Items[id] = &ItemProgress{Stage: StageNotStarted}
			p = st.Items[id]
		}
		if p.Stages == nil {
			p.Stages = make(map[string]time.Time)
		}
		if p.Stage == "" {
			p.Stage = StageNotStarted
		}
	}
	s.state = st
	return true
}

func (s *Store) quarantine(cause error) {
	dest, err := fsutil.Quarantine(s.path, s.timeNow())
	if err != nil {
		s.logger.Warnw("Checkpoint corrupt and could not be quarantined, starting fresh",
			logger.FieldPath, s.path, logger.FieldError, err)
		return
	}
	s.logger.Warnw("Checkpoint corrupt, quarantined and starting fresh",
		logger.FieldPath, s.path,
		"quarantined_to", dest,
		logger.FieldError, cause)
}

// Begin replaces the in-memory state with an empty checkpoint for runID and
// persists it.
func (s *Store) Begin(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = newState(runID, s.timeNow())
	return s.persist()
}

// Save persists the current state
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// persist writes the state; must be called with lock held
func (s *Store) persist() error {
	s.state.LastUpdated = s.timeNow()
	s.state.Stats = s.state.computeStats()
	if err := fsutil.WriteJSON(s.path, &s.state); err != nil {
		return errors.Wrapf(err, "persist checkpoint %s", s.path)
	}
	return nil
}

// Snapshot returns a deep copy of the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// RunID returns the run the checkpoint belongs to
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RunID
}

// Item returns a copy of one item's progress
func (s *Store) Item(itemID string) (ItemProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.Items[itemID]
	if !ok {
		return ItemProgress{}, false
	}
	return *p.clone(), true
}

// Register adds not_started records for unknown items and persists once
func (s *Store) Register(itemIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, id := range itemIDs {
		if _, ok := s.state.Items[id]; ok {
			continue
		}
		s.state.Items[id] = &ItemProgress{Stage: StageNotStarted, Stages: make(map[string]time.Time)}
		added++
	}
	if added == 0 {
		return nil
	}
	return s.persist()
}

// RecordTransition applies tr to itemID and persists. Terminal items are
// frozen: the call fails with errors.ErrTerminalItem.
func (s *Store) RecordTransition(itemID string, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch tr.Stage {
	case StageNotStarted, StageInProgress, StageCompleted, StageFailed:
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown stage %q", tr.Stage)
	}

	p, rollback := s.edit(itemID)
	if p.Stage.Terminal() {
		rollback()
		return errors.Wrapf(errors.ErrTerminalItem, "item %s is %s", itemID, p.Stage)
	}

	now := s.timeNow()
	switch tr.Stage {
	case StageInProgress:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
	case StageCompleted, StageFailed:
		if p.StartedAt == nil {
			p.StartedAt = &now
		}
		p.CompletedAt = &now
	}

	for _, name := range tr.CompletedStages {
		if _, done := p.Stages[name]; !done {
			p.Stages[name] = now
			p.StageOrder = append(p.StageOrder, name)
		}
	}
	if tr.Failure != nil {
		rec := *tr.Failure
		rec.Message = retry.Truncate(rec.Message)
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		p.Errors = append(p.Errors, rec)
		p.LastError = rec.Message
	}
	p.Stage = tr.Stage

	if err := s.persist(); err != nil {
		rollback()
		return err
	}
	return nil
}

// RecordRetry appends a failed attempt that will be retried and bumps the
// item's retry count.
func (s *Store) RecordRetry(itemID string, rec RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, rollback := s.edit(itemID)
	if p.Stage.Terminal() {
		rollback()
		return errors.Wrapf(errors.ErrTerminalItem, "item %s is %s", itemID, p.Stage)
	}
	rec.Message = retry.Truncate(rec.Message)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.timeNow()
	}
	p.Errors = append(p.Errors, rec)
	p.LastError = rec.Message
	p.Retries++
	if err := s.persist(); err != nil {
		rollback()
		return err
	}
	return nil
}

// Reopen moves a failed item back to not_started so it is processed again.
// Completed stages and retry history are kept. This is the only way out of
// a terminal stage; completed items cannot be reopened.
func (s *Store) Reopen(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Items[itemID]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "item %s", itemID)
	}
	p, rollback := s.edit(itemID)
	if p.Stage != StageFailed {
		rollback()
		return errors.Wrapf(errors.ErrConflict, "item %s is %s, only failed items can be reopened", itemID, p.Stage)
	}
	p.Stage = StageNotStarted
	p.CompletedAt = nil
	if err := s.persist(); err != nil {
		rollback()
		return err
	}
	return nil
}

// edit installs a copy of the item record, creating it on first use, and
// returns a func that puts the previous record back. Callers roll back when
// the write fails so memory never runs ahead of disk. Lock must be held.
func (s *Store) edit(itemID string) (*ItemProgress, func()) {
	prev, existed := s.state.Items[itemID]
	var p *ItemProgress
	if existed {
		p = prev.clone()
	} else {
		p = &ItemProgress{Stage: StageNotStarted, Stages: make(map[string]time.Time)}
	}
	s.state.Items[itemID] = p
	return p, func() {
		if existed {
			s.state.Items[itemID] = prev
		} else {
			delete(s.state.Items, itemID)
		}
	}
}

// IncompleteItems returns every item not in a terminal stage, sorted
func (s *Store) IncompleteItems() []string {
	return s.itemsWhere(func(p *ItemProgress) bool { return !p.Stage.Terminal() })
}

// FailedItems returns every failed item, sorted
func (s *Store) FailedItems() []string {
	return s.itemsWhere(func(p *ItemProgress) bool { return p.Stage == StageFailed })
}

func (s *Store) itemsWhere(keep func(*ItemProgress) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, p := range s.state.Items {
		if keep(p) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetStatus records the run-level status and persists
func (s *Store) SetStatus(status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Status = status
	return s.persist()
}

// Stats returns item counts for the current state
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.computeStats()
}

// Clear deletes the checkpoint file and resets the in-memory state
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove checkpoint %s", s.path)
	}
	s.state = newState("", s.timeNow())
	return nil
}

// CleanupTemp removes a temp file orphaned by a crash before rename
func (s *Store) CleanupTemp() (bool, error) {
	return fsutil.RemoveOrphanedTemp(s.path)
}
