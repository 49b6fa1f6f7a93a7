package runstate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/gaps"
	"github.com/teranos/docpulse/report"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sequentialIDs() func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return "run-" + string(rune('0'+n)), nil
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run_state.json")
	base := []Option{WithClock(func() time.Time { return testNow }), WithIDGenerator(sequentialIDs())}
	return NewManager(path, append(base, opts...)...)
}

func TestCreateNewFull(t *testing.T) {
	m := newTestManager(t)

	run, err := m.CreateNew(context.Background(), KindFull, "")
	require.NoError(t, err)

	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, CurrentSchemaVersion, run.SchemaVersion)
	assert.Equal(t, KindFull, run.Kind)
	assert.Equal(t, testNow, run.CreatedAt)
	assert.False(t, run.Completed)
	assert.Zero(t, run.Totals)
	assert.Zero(t, run.Gaps.TotalGaps)
	assert.Contains(t, run.Generator, "docpulse/")
}

func TestCreateNewRejectsBadLineage(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateNew(ctx, KindIncremental, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = m.CreateNew(ctx, KindFull, "some-parent")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = m.CreateNew(ctx, "partial", "")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	// No run on disk at all
	_, err = m.CreateNew(ctx, KindIncremental, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRestoreKeepsCheckpointIdentity(t *testing.T) {
	m := newTestManager(t)
	started := testNow.Add(-time.Hour)

	// The parent is not on disk; restore does not look for it
	run, err := m.Restore("cp-run", KindIncremental, "gone-parent", started)
	require.NoError(t, err)
	assert.Equal(t, "cp-run", run.RunID)
	assert.Equal(t, "gone-parent", run.ParentRunID)
	assert.Equal(t, started, run.CreatedAt)
	assert.Equal(t, testNow, run.UpdatedAt)
	assert.False(t, run.Completed)

	_, err = m.Restore("cp-run", KindFull, "some-parent", started)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCreateIncrementalAgainstStoredParent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Given: a saved parent that has not completed
	parent, err := m.CreateNew(ctx, KindFull, "")
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, parent))

	// Then: the incremental run is refused
	_, err = m.CreateNew(ctx, KindIncremental, parent.RunID)
	assert.True(t, errors.Is(err, errors.ErrParentIncomplete))

	// When: the parent completes
	parent.Complete(testNow)
	require.NoError(t, m.Save(ctx, parent))

	child, err := m.CreateNew(ctx, KindIncremental, parent.RunID)
	require.NoError(t, err)
	assert.Equal(t, parent.RunID, child.ParentRunID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	run, err := m.CreateNew(ctx, KindFull, "")
	require.NoError(t, err)
	run.Totals = Totals{Discovered: 10, Processed: 8, Failed: 2}
	run.Execution = Execution{DurationSeconds: 12.5, Calls: 30, Errors: 4, Retries: 3}
	run.Complete(testNow.Add(time.Minute))
	require.NoError(t, m.Save(ctx, run))

	_, err = os.Stat(m.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file renamed away")

	loaded, found := m.Load()
	require.True(t, found)
	assert.Equal(t, run.RunID, loaded.RunID)
	assert.Equal(t, run.Totals, loaded.Totals)
	assert.Equal(t, run.Execution, loaded.Execution)
	assert.True(t, loaded.Completed)
	require.NotNil(t, loaded.CompletedAt)
	assert.True(t, loaded.CompletedAt.Equal(testNow.Add(time.Minute)))
}

func TestUnknownFieldsPreserved(t *testing.T) {
	m := newTestManager(t)
	raw := `{"run_id": "r1", "schema_version": 2, "kind": "full", "created_at": "2025-01-01T00:00:00Z",
		"updated_at": "2025-01-01T00:00:00Z", "completed": false,
		"totals": {"processed": 1, "deduplicated": 3},
		"execution": {"calls": 2, "tokens_spent": 1200, "halted": true},
		"future_field": {"nested": [1, 2]}, "annotations": "keep me"}`
	require.NoError(t, os.WriteFile(m.Path(), []byte(raw), 0644))

	run, found := m.Load()
	require.True(t, found)
	assert.Contains(t, run.Extra(), "future_field")

	run.Totals.Processed = 5
	run.Execution.Halted = false
	require.NoError(t, m.Save(context.Background(), run))

	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "keep me", obj["annotations"])
	assert.Equal(t, map[string]interface{}{"nested": []interface{}{1.0, 2.0}}, obj["future_field"])
	totals := obj["totals"].(map[string]interface{})
	assert.Equal(t, 5.0, totals["processed"])
	assert.Equal(t, 3.0, totals["deduplicated"])

	execution := obj["execution"].(map[string]interface{})
	assert.Equal(t, 1200.0, execution["tokens_spent"])
	assert.Equal(t, 2.0, execution["calls"])
	assert.NotContains(t, execution, "halted", "known fields follow the in-memory value")

	reloaded, found := m.Load()
	require.True(t, found)
	require.NoError(t, m.Save(context.Background(), reloaded.Clone()))
	data, err = os.ReadFile(m.Path())
	require.NoError(t, err)
	obj = nil
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, 1200.0, obj["execution"].(map[string]interface{})["tokens_spent"])
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	m := newTestManager(t)

	_, found := m.Load()
	assert.False(t, found)

	require.NoError(t, os.WriteFile(m.Path(), []byte("{not json"), 0644))
	_, found = m.Load()
	assert.False(t, found)

	_, err := os.Stat(m.Path())
	assert.True(t, os.IsNotExist(err), "corrupt file moved away")
	entries, err := os.ReadDir(filepath.Join(filepath.Dir(m.Path()), "quarantine"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMigrateFlatLegacy(t *testing.T) {
	m := newTestManager(t)
	legacy := `{"last_run_id": "legacy-1", "last_run_date": "2024-05-01T10:00:00Z", "run_type": "full",
		"papers_processed": 12, "papers_total": 20, "overall_coverage": 45.5,
		"duration": 99.5, "api_calls": 40, "errors": 2, "completed": true, "owner": "lab"}`
	require.NoError(t, os.WriteFile(m.Path(), []byte(legacy), 0644))

	run, found := m.Load()
	require.True(t, found)

	assert.Equal(t, "legacy-1", run.RunID)
	assert.Equal(t, CurrentSchemaVersion, run.SchemaVersion)
	assert.Equal(t, KindFull, run.Kind)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), run.CreatedAt)
	assert.Equal(t, 12, run.Totals.Processed)
	assert.Equal(t, 20, run.Totals.Discovered)
	assert.InDelta(t, 0.455, run.Coverage.Overall, 1e-9)
	assert.Equal(t, 99.5, run.Execution.DurationSeconds)
	assert.Equal(t, 40, run.Execution.Calls)
	assert.Equal(t, 2, run.Execution.Errors)
	assert.True(t, run.Completed)
	assert.Equal(t, 0, run.Gaps.TotalGaps, "gap metrics default to empty")
	assert.Contains(t, run.Extra(), LegacyKey)

	// Then: the file is rewritten once and the original backed up
	_, err := os.Stat(m.Path() + ".v-2.bak")
	require.NoError(t, err)

	again, found := m.Load()
	require.True(t, found)
	assert.Equal(t, run.RunID, again.RunID)
	_, err = os.Stat(m.Path() + ".v2.bak")
	assert.True(t, os.IsNotExist(err), "current schema is not re-migrated")
}

func TestMigrateNestedLegacy(t *testing.T) {
	m := newTestManager(t)
	legacy := `{
		"last_run": {"run_id": "nested-1", "timestamp": 1714557600, "job_type": "incremental",
			"parent_run_id": "base-0", "papers_processed": 3, "status": "completed"},
		"previous_results": {"overall_coverage": 0.62, "pillar_coverage": {"P1": 80, "P2": 44}}
	}`
	require.NoError(t, os.WriteFile(m.Path(), []byte(legacy), 0644))

	run, found := m.Load()
	require.True(t, found)

	assert.Equal(t, "nested-1", run.RunID)
	assert.Equal(t, KindIncremental, run.Kind)
	assert.Equal(t, "base-0", run.ParentRunID)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), run.CreatedAt)
	assert.True(t, run.Completed)
	assert.Equal(t, 3, run.Totals.Processed)
	assert.InDelta(t, 0.62, run.Coverage.Overall, 1e-9)
	assert.InDelta(t, 0.80, run.Coverage.ByPillar["P1"], 1e-9)
	assert.InDelta(t, 0.44, run.Coverage.ByPillar["P2"], 1e-9)

	_, err := os.Stat(m.Path() + ".v-1.bak")
	assert.NoError(t, err)
}

func TestMigrateV1(t *testing.T) {
	doc := document{
		"schema_version": 1.0,
		"run_id":         "v1",
		"job_type":       "full",
		"metrics":        document{"duration_seconds": 5.0, "api_calls": 7.0, "errors": 1.0},
	}
	out, applied, err := migrate(doc, migrationEnv{now: testNow, newID: sequentialIDs()})
	require.NoError(t, err)
	assert.Equal(t, []string{"kind_and_execution"}, applied)

	run, err := decodeDocument(out)
	require.NoError(t, err)
	assert.Equal(t, KindFull, run.Kind)
	assert.Equal(t, 7, run.Execution.Calls)
	assert.Equal(t, 2, run.SchemaVersion)
	assert.NotContains(t, run.Extra(), "metrics")
	assert.NotContains(t, run.Extra(), "job_type")
}

func TestDetectVersion(t *testing.T) {
	v, err := DetectVersion(document{"schema_version": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = DetectVersion(document{"previous_results": document{}})
	require.NoError(t, err)
	assert.Equal(t, LegacyNestedVersion, v)

	v, err = DetectVersion(document{"papers_processed": 1.0})
	require.NoError(t, err)
	assert.Equal(t, LegacyFlatVersion, v)

	_, err = DetectVersion(document{})
	assert.Error(t, err)
	_, err = DetectVersion(document{"schema_version": "two"})
	assert.Error(t, err)
}

func TestNewerSchemaLoadsBestEffort(t *testing.T) {
	m := newTestManager(t)
	raw := `{"run_id": "future", "schema_version": 9, "kind": "full", "created_at": "2025-01-01T00:00:00Z", "updated_at": "2025-01-01T00:00:00Z", "quantum": true}`
	require.NoError(t, os.WriteFile(m.Path(), []byte(raw), 0644))

	run, found := m.Load()
	require.True(t, found)
	assert.Equal(t, 9, run.SchemaVersion)

	require.NoError(t, m.Save(context.Background(), run))
	again, found := m.Load()
	require.True(t, found)
	assert.Equal(t, 9, again.SchemaVersion, "writer never lowers the version")
	assert.Contains(t, again.Extra(), "quantum")
}

func TestUpdateGapMetrics(t *testing.T) {
	run := &Run{RunID: "r", Kind: KindFull}
	list := []gaps.Gap{
		{Ref: report.Ref{Pillar: "P1", Requirement: "R1", SubRequirement: "S1"}, GapSize: 0.2},
		{Ref: report.Ref{Pillar: "P1", Requirement: "R1", SubRequirement: "S2"}, GapSize: 0.4},
		{Ref: report.Ref{Pillar: "P2", Requirement: "R7", SubRequirement: "S1"}, GapSize: 0.6},
	}

	out := UpdateGapMetrics(run, list, 0.7, testNow)
	assert.Equal(t, 3, out.Gaps.TotalGaps)
	assert.Equal(t, map[string]int{"P1": 2, "P2": 1}, out.Gaps.ByPillar)
	assert.Equal(t, 2, out.Gaps.DistinctRequirements)
	assert.InDelta(t, 0.4, out.Gaps.MeanGapSize, 1e-9)
	assert.Equal(t, 0.7, out.Gaps.Threshold)
	assert.Zero(t, run.Gaps.TotalGaps, "input untouched")

	// Full replacement, never a delta
	out = UpdateGapMetrics(out, list[:1], 0.7, testNow)
	assert.Equal(t, 1, out.Gaps.TotalGaps)
	assert.Equal(t, map[string]int{"P1": 1}, out.Gaps.ByPillar)

	out = UpdateGapMetrics(out, nil, 0.7, testNow)
	assert.Zero(t, out.Gaps.TotalGaps)
	assert.Zero(t, out.Gaps.MeanGapSize)
}

func TestUpdateCoverage(t *testing.T) {
	r := report.New()
	r.Put(report.Ref{Pillar: "P1", Requirement: "R", SubRequirement: "A"}, &report.SubRequirement{CompletenessPercent: 100})
	r.Put(report.Ref{Pillar: "P1", Requirement: "R", SubRequirement: "B"}, &report.SubRequirement{CompletenessPercent: 50})
	r.Put(report.Ref{Pillar: "P2", Requirement: "R", SubRequirement: "C"}, &report.SubRequirement{CompletenessPercent: 0})

	out := UpdateCoverage(&Run{}, r)
	assert.InDelta(t, 0.5, out.Coverage.Overall, 1e-9)
	assert.InDelta(t, 0.75, out.Coverage.ByPillar["P1"], 1e-9)
	assert.Equal(t, 3, out.Coverage.SubRequirements)
	assert.Equal(t, 1, out.Coverage.FullyCovered)
}
