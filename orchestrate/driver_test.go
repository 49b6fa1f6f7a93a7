package orchestrate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/gaps"
	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/pulse/checkpoint"
	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/report"
	"github.com/teranos/docpulse/runstate"
)

const baseReportJSON = `{
  "Pillar 1": {
    "REQ-1": {
      "SUB-1": {
        "requirement": "Describe the calibration procedure for sensors",
        "completeness_percent": 33,
        "evidence": [{"source": "old.pdf", "claim": "calibrated weekly"}]
      },
      "SUB-2": {"requirement": "Storage limits", "completeness_percent": 100, "evidence": []}
    }
  }
}`

const resultReportJSON = `{
  "Pillar 1": {
    "REQ-1": {
      "SUB-1": {
        "requirement": "Describe the calibration procedure for sensors",
        "completeness_percent": 33,
        "evidence": [{"source": "cal.pdf", "claim": "calibrated daily against a reference"}]
      }
    }
  }
}`

// recordingExecutor fails each item's first fails[item] calls with errs[item]
type recordingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fails map[string]int
	errs  map[string]error
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		calls: make(map[string]int),
		fails: make(map[string]int),
		errs:  make(map[string]error),
	}
}

func (e *recordingExecutor) Execute(_ context.Context, itemID, _ string) (*coordinator.StageResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[itemID]++
	if e.calls[itemID] <= e.fails[itemID] {
		return nil, e.errs[itemID]
	}
	return &coordinator.StageResult{}, nil
}

func (e *recordingExecutor) count(itemID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[itemID]
}

func testConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoint.json")
	cfg.State.Path = filepath.Join(dir, "run_state.json")
	cfg.State.DBPath = ""
	cfg.Quota.Rate = 1000
	cfg.Quota.WindowSeconds = 1
	cfg.Pulse.Workers = 2
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestDriver(t *testing.T, cfg *am.Config, ex coordinator.Executor) *Driver {
	t.Helper()
	d, err := New(cfg, ex, WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return d
}

func items(ids ...string) []gaps.Item {
	out := make([]gaps.Item, len(ids))
	for i, id := range ids {
		out[i] = gaps.Item{ID: id, Title: "Document " + id}
	}
	return out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFullRunCompletes(t *testing.T) {
	// Given three items and an executor that rejects one permanently
	cfg := testConfig(t)
	ex := newRecordingExecutor()
	ex.fails["c"] = 10
	ex.errs["c"] = errors.New("validation failed: missing title")
	d := newTestDriver(t, cfg, ex)

	// When a full run executes
	out, err := d.Run(context.Background(), Request{Kind: runstate.KindFull, Items: items("a", "b", "c")})
	require.NoError(t, err)

	// Then the run completes with the permanent failure counted once
	assert.Equal(t, 2, out.Summary.Successful)
	assert.Equal(t, 1, out.Summary.Failed)
	assert.Equal(t, 1, ex.count("c"))
	assert.True(t, out.Run.Completed)
	assert.Equal(t, runstate.Totals{Discovered: 3, Processed: 3, Failed: 1}, out.Run.Totals)

	// And the state file and checkpoint agree
	stored, ok := runstate.NewManager(cfg.State.Path).Load()
	require.True(t, ok)
	assert.Equal(t, out.Run.RunID, stored.RunID)
	assert.True(t, stored.Completed)

	store := checkpoint.New(cfg.Checkpoint.Path)
	require.True(t, store.Load())
	assert.Equal(t, out.Run.RunID, store.RunID())
	assert.Equal(t, checkpoint.RunCompleted, store.Snapshot().Status)
}

func TestHaltedRunResumes(t *testing.T) {
	// Given a required stage with a run retry budget of one
	cfg := testConfig(t)
	cfg.Pulse.Workers = 1
	cfg.Retry.Default.MaxAttempts = 5
	cfg.Retry.Default.Required = true
	cfg.Retry.Default.RunRetryBudget = 1

	ex := newRecordingExecutor()
	ex.fails["a"] = 100
	ex.errs["a"] = errors.New("connection reset by peer")
	d := newTestDriver(t, cfg, ex)

	// When the first item keeps failing transiently
	out, err := d.Run(context.Background(), Request{Items: items("a", "b", "c")})

	// Then the run halts unfinished
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRunHalted))
	require.NotNil(t, out)
	assert.True(t, out.Summary.Halted)
	assert.False(t, out.Run.Completed)
	firstID := out.Run.RunID

	store := checkpoint.New(cfg.Checkpoint.Path)
	require.True(t, store.Load())
	assert.Equal(t, checkpoint.RunFailed, store.Snapshot().Status)

	// When the service recovers and the run is resumed
	ex.fails["a"] = 0
	out, err = d.Run(context.Background(), Request{Items: items("a", "b", "c"), Resume: true})
	require.NoError(t, err)

	// Then the same run continues and the transient failure is retried
	assert.Equal(t, firstID, out.Run.RunID)
	assert.Equal(t, []string{"a"}, out.Reopened)
	assert.Equal(t, 3, out.Summary.Successful)
	assert.True(t, out.Run.Completed)
	assert.Zero(t, out.Run.Totals.Failed)
}

func TestResumeFromSeededCheckpoint(t *testing.T) {
	// Given an unfinished run: paper1 completed, paper2 failed on a timeout,
	// paper3 not started
	cfg := testConfig(t)
	ctx := context.Background()
	run, err := runstate.NewManager(cfg.State.Path).CreateNew(ctx, runstate.KindFull, "")
	require.NoError(t, err)
	require.NoError(t, runstate.NewManager(cfg.State.Path).Save(ctx, run))

	seed := checkpoint.New(cfg.Checkpoint.Path)
	require.NoError(t, seed.Begin(run.RunID))
	require.NoError(t, seed.Register("paper1", "paper2", "paper3"))
	require.NoError(t, seed.RecordTransition("paper1", checkpoint.Transition{
		Stage: checkpoint.StageCompleted, CompletedStages: []string{"process"},
	}))
	require.NoError(t, seed.RecordTransition("paper2", checkpoint.Transition{
		Stage:   checkpoint.StageFailed,
		Failure: &checkpoint.RetryRecord{Stage: "process", Attempt: 3, Message: "read timeout"},
	}))

	// When the run is resumed
	ex := newRecordingExecutor()
	out, err := newTestDriver(t, cfg, ex).Run(ctx, Request{
		Items:  items("paper1", "paper2", "paper3"),
		Resume: true,
	})
	require.NoError(t, err)

	// Then paper1 is skipped while paper2 is retried and paper3 processed
	assert.Equal(t, run.RunID, out.Run.RunID)
	assert.Zero(t, ex.count("paper1"))
	assert.Equal(t, 1, ex.count("paper2"))
	assert.Equal(t, 1, ex.count("paper3"))
	assert.Equal(t, 1, out.Summary.Skipped)

	// And every item is terminal with paper2's history kept
	store := checkpoint.New(cfg.Checkpoint.Path)
	require.True(t, store.Load())
	assert.Empty(t, store.IncompleteItems())
	p2, ok := store.Item("paper2")
	require.True(t, ok)
	assert.Equal(t, checkpoint.StageCompleted, p2.Stage)
	assert.NotEmpty(t, p2.Errors)
}

func TestResumeWithoutStateFileKeepsCheckpoint(t *testing.T) {
	// Given a checkpoint with paper1 completed and no run state file
	cfg := testConfig(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seed := checkpoint.New(cfg.Checkpoint.Path, checkpoint.WithClock(func() time.Time { return started }))
	require.NoError(t, seed.Begin("0190a1b2-run-lost-state"))
	require.NoError(t, seed.Register("paper1", "paper2"))
	require.NoError(t, seed.RecordTransition("paper1", checkpoint.Transition{
		Stage: checkpoint.StageCompleted, CompletedStages: []string{"process"},
	}))

	// When the run is resumed
	ex := newRecordingExecutor()
	out, err := newTestDriver(t, cfg, ex).Run(context.Background(), Request{
		Items:  items("paper1", "paper2"),
		Resume: true,
	})
	require.NoError(t, err)

	// Then the checkpointed run continues without re-running paper1
	assert.Equal(t, "0190a1b2-run-lost-state", out.Run.RunID)
	assert.True(t, out.Run.CreatedAt.Equal(started))
	assert.Zero(t, ex.count("paper1"))
	assert.Equal(t, 1, ex.count("paper2"))
	assert.Equal(t, 1, out.Summary.Skipped)
	assert.True(t, out.Run.Completed)

	// And the run record is written again
	stored, ok := runstate.NewManager(cfg.State.Path).Load()
	require.True(t, ok)
	assert.Equal(t, out.Run.RunID, stored.RunID)
}

func TestHaltedIncrementalRunResumesWithoutParent(t *testing.T) {
	// Given a completed full run and its report
	cfg := testConfig(t)
	cfg.Pulse.Workers = 1
	cfg.Retry.Default.MaxAttempts = 5
	cfg.Retry.Default.Required = true
	cfg.Retry.Default.RunRetryBudget = 1
	base := filepath.Join(t.TempDir(), "report.json")
	writeFile(t, base, baseReportJSON)

	ex := newRecordingExecutor()
	d := newTestDriver(t, cfg, ex)
	full, err := d.Run(context.Background(), Request{Items: items("seed")})
	require.NoError(t, err)

	// And an incremental run that halts on a failing relevant item
	ex.fails["cal"] = 100
	ex.errs["cal"] = errors.New("connection reset by peer")
	candidates := []gaps.Item{{ID: "cal", Title: "Sensors calibration procedure"}}
	req := Request{Kind: runstate.KindIncremental, Items: candidates, BaseReport: base}
	halted, err := d.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRunHalted))
	require.NotNil(t, halted.Run)
	assert.Equal(t, full.Run.RunID, halted.Run.ParentRunID)

	// When it is resumed without naming the parent again
	ex.fails["cal"] = 0
	req.Resume = true
	out, err := d.Run(context.Background(), req)
	require.NoError(t, err)

	// Then the halted run finishes under its original parent
	assert.Equal(t, halted.Run.RunID, out.Run.RunID)
	assert.Equal(t, full.Run.RunID, out.Run.ParentRunID)
	assert.Equal(t, []string{"cal"}, out.Reopened)
	assert.True(t, out.Run.Completed)
}

func TestResumeAfterCompletedRunStartsFresh(t *testing.T) {
	cfg := testConfig(t)
	ex := newRecordingExecutor()
	d := newTestDriver(t, cfg, ex)

	_, err := d.Run(context.Background(), Request{Items: items("a", "b")})
	require.NoError(t, err)

	// A finished run is not resumed: a new run starts over a new checkpoint
	out, err := d.Run(context.Background(), Request{Items: items("a", "b"), Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Summary.Successful)
	assert.Equal(t, 2, ex.count("a"))
}

func TestIncrementalRunTargetsGapsAndMerges(t *testing.T) {
	// Given a completed full run and its report
	cfg := testConfig(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "report.json")
	result := filepath.Join(dir, "result.json")
	merged := filepath.Join(dir, "merged.json")
	writeFile(t, base, baseReportJSON)
	writeFile(t, result, resultReportJSON)

	ex := newRecordingExecutor()
	d := newTestDriver(t, cfg, ex)
	full, err := d.Run(context.Background(), Request{Items: items("seed")})
	require.NoError(t, err)

	candidates := []gaps.Item{
		{ID: "cal", Title: "Sensors calibration procedure", Abstract: "A field procedure."},
		{ID: "bird", Title: "Migratory birds of Europe"},
	}

	// When an incremental run is requested without an explicit parent
	out, err := d.Run(context.Background(), Request{
		Kind:         runstate.KindIncremental,
		Items:        candidates,
		BaseReport:   base,
		ResultReport: result,
		MergedReport: merged,
	})
	require.NoError(t, err)

	// Then the stored run becomes the parent and only the relevant item runs
	assert.Equal(t, full.Run.RunID, out.Run.ParentRunID)
	require.Len(t, out.Gaps, 1)
	assert.Equal(t, "SUB-1", out.Gaps[0].SubRequirement)
	require.NotNil(t, out.Partition)
	assert.Equal(t, []string{"cal"}, out.Partition.ProcessIDs())
	assert.Equal(t, 1, ex.count("cal"))
	assert.Zero(t, ex.count("bird"))
	assert.Equal(t, 1, out.Run.Totals.Skipped)

	// And the new evidence is merged into the parent's report
	require.NotNil(t, out.Merge)
	assert.Equal(t, 1, out.Merge.Stats.EvidenceAdded)
	r, err := report.Load(merged)
	require.NoError(t, err)
	sub, ok := r.Get(report.Ref{Pillar: "Pillar 1", Requirement: "REQ-1", SubRequirement: "SUB-1"})
	require.True(t, ok)
	assert.Len(t, sub.Evidence, 2)
	assert.Equal(t, out.Run.RunID, r.Metadata.MergeHistory[len(r.Metadata.MergeHistory)-1].Source)

	// And the run's metrics describe the merged report
	assert.Equal(t, 1, out.Run.Gaps.TotalGaps)
	assert.NotZero(t, out.Run.Coverage.Overall)
}

func TestIncrementalRunNeedsCompletedParent(t *testing.T) {
	cfg := testConfig(t)
	base := filepath.Join(t.TempDir(), "report.json")
	writeFile(t, base, baseReportJSON)
	d := newTestDriver(t, cfg, newRecordingExecutor())

	_, err := d.Run(context.Background(), Request{Kind: runstate.KindIncremental, BaseReport: base})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrParentIncomplete))
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pulse.DryRun = true
	ex := newRecordingExecutor()
	d := newTestDriver(t, cfg, ex)

	out, err := d.Run(context.Background(), Request{Items: items("a", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Summary.Successful)
	assert.Zero(t, ex.count("a"))

	for _, path := range []string{cfg.State.Path, cfg.Checkpoint.Path, cfg.Checkpoint.Path + ".lock"} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
}

func TestConcurrentRunIsRefused(t *testing.T) {
	cfg := testConfig(t)
	lock := fsutil.NewFileLock(cfg.Checkpoint.Path + ".lock")
	require.NoError(t, lock.TryLock())
	defer lock.Unlock()

	d := newTestDriver(t, cfg, newRecordingExecutor())
	_, err := d.Run(context.Background(), Request{Items: items("a")})
	assert.True(t, errors.Is(err, errors.ErrLocked))
}

func TestUnknownKindRejected(t *testing.T) {
	d := newTestDriver(t, testConfig(t), newRecordingExecutor())
	_, err := d.Run(context.Background(), Request{Kind: "partial"})
	assert.True(t, errors.IsInvalidRequestError(err))
}
