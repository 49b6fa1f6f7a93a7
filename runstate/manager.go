package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpulse/db"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/version"
)

// Manager persists the Run record at a single path and, when configured,
// mirrors every save into the lineage registry.
type Manager struct {
	mu       sync.Mutex
	path     string
	registry *Registry
	timeNow  func() time.Time
	newID    func() (string, error)
	logger   *zap.SugaredLogger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the time source for testing
func WithClock(timeNow func() time.Time) Option {
	return func(m *Manager) { m.timeNow = timeNow }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logger.OrNop(l) }
}

// WithRegistry mirrors saves into r and validates parents against it
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithIDGenerator replaces the run id source
func WithIDGenerator(fn func() (string, error)) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewRunID returns a time-ordered UUIDv7 string
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate run id")
	}
	return id.String(), nil
}

// NewManager creates a Manager for the run state file at path
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:    path,
		timeNow: time.Now,
		newID:   NewRunID,
		logger:  logger.OrNop(nil),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the run state file path
func (m *Manager) Path() string {
	return m.path
}

// CreateNew seeds a run with zeroed metrics. Incremental runs must name a
// completed parent.
func (m *Manager) CreateNew(ctx context.Context, kind Kind, parentRunID string) (*Run, error) {
	id, err := m.newID()
	if err != nil {
		return nil, err
	}
	run, err := m.seed(id, kind, parentRunID, m.timeNow().UTC())
	if err != nil {
		return nil, err
	}
	if kind == KindIncremental {
		if err := m.validateParent(ctx, parentRunID); err != nil {
			return nil, err
		}
	}

	m.logger.Infow("Created run",
		logger.FieldRunID, run.RunID,
		"kind", string(kind),
		logger.FieldParentID, parentRunID)
	return run, nil
}

// Restore rebuilds the record of an unfinished run whose state file was lost
// but whose checkpoint survived. The parent was validated when the run
// began, so it is not checked again.
func (m *Manager) Restore(runID string, kind Kind, parentRunID string, startedAt time.Time) (*Run, error) {
	run, err := m.seed(runID, kind, parentRunID, startedAt.UTC())
	if err != nil {
		return nil, err
	}
	run.UpdatedAt = m.timeNow().UTC()

	m.logger.Warnw("Restored run from checkpoint",
		logger.FieldRunID, run.RunID,
		"kind", string(kind),
		logger.FieldParentID, parentRunID)
	return run, nil
}

func (m *Manager) seed(id string, kind Kind, parentRunID string, now time.Time) (*Run, error) {
	run := &Run{
		RunID:         id,
		SchemaVersion: CurrentSchemaVersion,
		Kind:          kind,
		ParentRunID:   parentRunID,
		Generator:     version.Generator(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Coverage:      Coverage{ByPillar: map[string]float64{}},
		Gaps:          GapMetrics{ByPillar: map[string]int{}},
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}
	return run, nil
}

// validateParent consults the registry when present, otherwise the run
// currently stored on disk.
func (m *Manager) validateParent(ctx context.Context, parentID string) error {
	if m.registry != nil {
		return m.registry.ValidateParent(ctx, parentID)
	}
	stored, found := m.Load()
	if !found || stored.RunID != parentID {
		return errors.WithHint(
			errors.Wrapf(errors.ErrNotFound, "parent run %s", parentID),
			"configure state.db_path to validate parents beyond the last saved run")
	}
	if !stored.Completed {
		return errors.Wrapf(errors.ErrParentIncomplete, "parent run %s", parentID)
	}
	return nil
}

// Save stamps updated_at and writes run atomically. A registry failure is
// logged; the file remains the source of truth.
func (m *Manager) Save(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx, run)
}

func (m *Manager) saveLocked(ctx context.Context, run *Run) error {
	run.UpdatedAt = m.timeNow().UTC()
	if run.SchemaVersion < CurrentSchemaVersion {
		run.SchemaVersion = CurrentSchemaVersion
	}
	if err := fsutil.WriteJSON(m.path, run); err != nil {
		return errors.Wrapf(err, "failed to save run state %s", m.path)
	}

	if m.registry != nil {
		switch err := m.registry.Upsert(ctx, run); {
		case err == nil:
		case db.IsDatabaseClosed(err):
			m.logger.Debugw("Run registry closed, skipping update", logger.FieldRunID, run.RunID)
		default:
			m.logger.Warnw("Run registry update failed",
				logger.FieldRunID, run.RunID,
				logger.FieldError, err.Error())
		}
	}
	return nil
}

// Load reads the run state file, migrating older schemas and rewriting the
// file in the current schema. Unreadable files are quarantined and reported
// as not found.
func (m *Manager) Load() (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, false
	}
	if err != nil {
		m.logger.Warnw("Run state unreadable, starting fresh", logger.FieldPath, m.path, logger.FieldError, err.Error())
		return nil, false
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.quarantine(err)
		return nil, false
	}
	from, err := DetectVersion(doc)
	if err != nil {
		m.quarantine(err)
		return nil, false
	}

	env := migrationEnv{now: m.timeNow().UTC(), newID: m.newID}
	migrated, applied, err := migrate(doc, env)
	if err != nil {
		m.quarantine(err)
		return nil, false
	}
	run, err := decodeDocument(migrated)
	if err != nil {
		m.quarantine(err)
		return nil, false
	}

	if run.SchemaVersion > CurrentSchemaVersion {
		m.logger.Warnw("Run state written by a newer schema, loading best-effort",
			"schema_version", run.SchemaVersion, "supported", CurrentSchemaVersion)
	}
	m.checkGenerator(run)

	if len(applied) > 0 {
		m.upgrade(data, from, run, applied)
	}
	return run, true
}

// upgrade keeps the pre-migration file beside the state file and rewrites it
// in the current schema so migration runs once.
func (m *Manager) upgrade(original []byte, from int, run *Run, applied []string) {
	backup := fmt.Sprintf("%s.v%d.bak", m.path, from)
	if err := fsutil.AtomicWrite(backup, original); err != nil {
		m.logger.Warnw("Could not back up run state before migration", logger.FieldPath, backup, logger.FieldError, err.Error())
		return
	}
	if err := m.saveLocked(context.Background(), run); err != nil {
		m.logger.Warnw("Could not persist migrated run state", logger.FieldError, err.Error())
		return
	}
	m.logger.Infow("Migrated run state",
		logger.FieldRunID, run.RunID,
		"from_version", from,
		"to_version", run.SchemaVersion,
		"steps", applied,
		"backup", backup)
}

func (m *Manager) checkGenerator(run *Run) {
	ok, err := version.Compatible(run.Generator)
	if err != nil {
		m.logger.Debugw("Run state generator version unparseable", "generator", run.Generator, logger.FieldError, err.Error())
		return
	}
	if !ok {
		m.logger.Warnw("Run state written by a newer docpulse major version",
			"generator", run.Generator, "running", version.Generator())
	}
}

func (m *Manager) quarantine(cause error) {
	dest, err := fsutil.Quarantine(m.path, m.timeNow())
	if err != nil {
		m.logger.Warnw("Run state corrupt and could not be quarantined",
			logger.FieldPath, m.path, "cause", cause.Error(), logger.FieldError, err.Error())
		return
	}
	m.logger.Warnw("Run state corrupt, quarantined and starting fresh",
		logger.FieldPath, m.path, "quarantined_to", dest, "cause", cause.Error())
}
