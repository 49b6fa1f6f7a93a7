package runstate

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/docpulse/errors"
)

// maxLineageDepth bounds parent walks against corrupt cyclic data
const maxLineageDepth = 1000

// Record is the registry row for one run
type Record struct {
	RunID          string     `json:"run_id"`
	ParentRunID    string     `json:"parent_run_id,omitempty"`
	Kind           Kind       `json:"kind"`
	SchemaVersion  int        `json:"schema_version"`
	Completed      bool       `json:"completed"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsFailed    int        `json:"items_failed"`
	TotalGaps      int        `json:"total_gaps"`
}

// Registry indexes every saved run in SQLite so lineage survives the run
// state file being overwritten by the next run.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a registry on a migrated database
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Upsert inserts or updates the row for run
func (r *Registry) Upsert(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (
			run_id, parent_run_id, kind, schema_version, completed,
			created_at, updated_at, completed_at,
			items_processed, items_failed, total_gaps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			completed = excluded.completed,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			items_processed = excluded.items_processed,
			items_failed = excluded.items_failed,
			total_gaps = excluded.total_gaps`

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: run.CompletedAt.UTC(), Valid: true}
	}
	var parent sql.NullString
	if run.ParentRunID != "" {
		parent = sql.NullString{String: run.ParentRunID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		run.RunID, parent, string(run.Kind), run.SchemaVersion, run.Completed,
		run.CreatedAt.UTC(), run.UpdatedAt.UTC(), completedAt,
		run.Totals.Processed, run.Totals.Failed, run.Gaps.TotalGaps,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert run %s", run.RunID)
	}
	return nil
}

const selectRecord = `
	SELECT run_id, parent_run_id, kind, schema_version, completed,
		created_at, updated_at, completed_at,
		items_processed, items_failed, total_gaps
	FROM runs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		parent      sql.NullString
		kind        string
		completedAt sql.NullTime
	)
	err := row.Scan(&rec.RunID, &parent, &kind, &rec.SchemaVersion, &rec.Completed,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt,
		&rec.ItemsProcessed, &rec.ItemsFailed, &rec.TotalGaps)
	if err != nil {
		return nil, err
	}
	rec.ParentRunID = parent.String
	rec.Kind = Kind(kind)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// Get returns the record for runID
func (r *Registry) Get(ctx context.Context, runID string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectRecord+` WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query run %s", runID)
	}
	return rec, nil
}

// List returns the most recent runs first
func (r *Registry) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectRecord+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Lineage returns runID followed by its ancestors, nearest first
func (r *Registry) Lineage(ctx context.Context, runID string) ([]Record, error) {
	var chain []Record
	seen := make(map[string]struct{})
	for id := runID; id != ""; {
		if _, loop := seen[id]; loop || len(chain) >= maxLineageDepth {
			return chain, errors.Newf("lineage of %s contains a cycle at %s", runID, id)
		}
		seen[id] = struct{}{}

		rec, err := r.Get(ctx, id)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, errors.ErrNotFound) {
				// Ancestor predates the registry
				return chain, nil
			}
			return chain, err
		}
		chain = append(chain, *rec)
		id = rec.ParentRunID
	}
	return chain, nil
}

// ValidateParent checks that parentID names a completed run
func (r *Registry) ValidateParent(ctx context.Context, parentID string) error {
	rec, err := r.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if !rec.Completed {
		return errors.Wrapf(errors.ErrParentIncomplete, "parent run %s", parentID)
	}
	return nil
}
