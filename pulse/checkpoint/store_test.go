package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/pulse/retry"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *mockClock) {
	t.Helper()
	clock := &mockClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s := New(filepath.Join(t.TempDir(), "checkpoint.json"), WithClock(clock.Now))
	require.NoError(t, s.Begin("run-1"))
	return s, clock
}

func TestLoad_Missing(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "checkpoint.json"))
	assert.False(t, s.Load())
	assert.Empty(t, s.IncompleteItems())
}

func TestLoad_RoundTrip(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.Register("paper1", "paper2"))
	require.NoError(t, s.RecordTransition("paper1", Transition{Stage: StageInProgress}))
	clock.Advance(time.Second)
	require.NoError(t, s.RecordTransition("paper1", Transition{
		Stage:           StageCompleted,
		CompletedStages: []string{"extract", "score"},
	}))

	reloaded := New(s.Path())
	require.True(t, reloaded.Load())

	snap := reloaded.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, Stats{Total: 2, Completed: 1, NotStarted: 1}, snap.Stats)

	p, ok := reloaded.Item("paper1")
	require.True(t, ok)
	assert.Equal(t, StageCompleted, p.Stage)
	assert.Equal(t, []string{"extract", "score"}, p.CompletedStages())
	require.NotNil(t, p.StartedAt)
	require.NotNil(t, p.CompletedAt)
	assert.True(t, p.CompletedAt.After(*p.StartedAt))

	assert.Equal(t, []string{"paper2"}, reloaded.IncompleteItems())
}

func TestFileShape(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.RecordTransition("paper1", Transition{Stage: StageInProgress}))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"run_id", "schema_version", "started_at", "last_updated", "status", "items", "stats"} {
		assert.Contains(t, doc, key)
	}
	item := doc["items"].(map[string]any)["paper1"].(map[string]any)
	for _, key := range []string{"stage", "stages", "retries", "started_at", "completed_at", "last_error", "errors"} {
		assert.Contains(t, item, key)
	}

	_, err = os.Stat(s.Path() + fsutil.TempSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_CorruptIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id": "r1", "items": {`), 0o644))

	s := New(path)
	assert.False(t, s.Load(), "corrupt checkpoint is treated as absent")

	entries, err := os.ReadDir(filepath.Join(dir, fsutil.QuarantineDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, s.Begin("fresh"))
	assert.True(t, New(path).Load())
}

func TestTerminalStagesAreFrozen(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.RecordTransition("paper1", Transition{Stage: StageCompleted, CompletedStages: []string{"extract"}}))

	err := s.RecordTransition("paper1", Transition{Stage: StageInProgress, CompletedStages: []string{"score"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTerminalItem))

	err = s.RecordRetry("paper1", RetryRecord{Stage: "score", Attempt: 1, Message: "timeout"})
	assert.True(t, errors.Is(err, errors.ErrTerminalItem))

	p, _ := s.Item("paper1")
	assert.Equal(t, []string{"extract"}, p.CompletedStages(), "stage list is frozen")
	assert.Zero(t, p.Retries)
}

func TestFailureAndRetryHistory(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.RecordTransition("paper2", Transition{Stage: StageInProgress}))
	require.NoError(t, s.RecordRetry("paper2", RetryRecord{
		Stage: "extract", Attempt: 1, Classification: retry.KindTransient, DelayMS: 1000, Message: "timeout",
	}))
	require.NoError(t, s.RecordTransition("paper2", Transition{
		Stage:   StageFailed,
		Failure: &RetryRecord{Stage: "extract", Attempt: 2, Classification: retry.KindTransient, Message: strings.Repeat("e", 2000)},
	}))

	p, _ := s.Item("paper2")
	assert.Equal(t, StageFailed, p.Stage)
	assert.Equal(t, 1, p.Retries)
	require.Len(t, p.Errors, 2)
	assert.Len(t, []rune(p.LastError), retry.MaxErrorLength)
	assert.False(t, p.Errors[0].Timestamp.IsZero())

	assert.Equal(t, []string{"paper2"}, s.FailedItems())
	assert.Empty(t, s.IncompleteItems())
	assert.Equal(t, 1, s.Stats().Retries)
}

func TestReopen(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.RecordTransition("paper2", Transition{
		Stage:   StageFailed,
		Failure: &RetryRecord{Stage: "extract", Attempt: 1, Message: "timeout"},
	}))
	require.NoError(t, s.Reopen("paper2"))

	p, _ := s.Item("paper2")
	assert.Equal(t, StageNotStarted, p.Stage)
	assert.Nil(t, p.CompletedAt)
	assert.Len(t, p.Errors, 1, "retry history survives reopening")
	assert.Equal(t, []string{"paper2"}, s.IncompleteItems())

	require.NoError(t, s.RecordTransition("paper1", Transition{Stage: StageCompleted}))
	assert.True(t, errors.Is(s.Reopen("paper1"), errors.ErrConflict))
	assert.True(t, errors.Is(s.Reopen("missing"), errors.ErrNotFound))
}

func TestConcurrentTransitions(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "paper" + string(rune('a'+i))
			assert.NoError(t, s.RecordTransition(id, Transition{Stage: StageInProgress}))
			assert.NoError(t, s.RecordTransition(id, Transition{Stage: StageCompleted, CompletedStages: []string{"process"}}))
		}(i)
	}
	wg.Wait()

	reloaded := New(s.Path())
	require.True(t, reloaded.Load())
	assert.Equal(t, 20, reloaded.Stats().Completed)
}

func TestStatusClearAndCleanup(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SetStatus(RunRunning))
	assert.Equal(t, RunRunning, s.Snapshot().Status)

	require.NoError(t, os.WriteFile(s.Path()+fsutil.TempSuffix, []byte("{"), 0o644))
	removed, err := s.CleanupTemp()
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, s.Clear())
	assert.False(t, New(s.Path()).Load())
	require.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestRecordTransition_UnknownStage(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.RecordTransition("paper1", Transition{Stage: "paused"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCompletedStages_KeepsReportedOrder(t *testing.T) {
	s, _ := newTestStore(t)

	// Given stages reported out of alphabetical order in one transition
	require.NoError(t, s.RecordTransition("paper1", Transition{
		Stage:           StageInProgress,
		CompletedStages: []string{"summarize", "extract.tables", "extract"},
	}))
	require.NoError(t, s.RecordTransition("paper1", Transition{
		Stage:           StageCompleted,
		CompletedStages: []string{"score", "extract"},
	}))

	// Then the order survives a reload
	reloaded := New(s.Path())
	require.True(t, reloaded.Load())
	p, ok := reloaded.Item("paper1")
	require.True(t, ok)
	assert.Equal(t, []string{"summarize", "extract.tables", "extract", "score"}, p.CompletedStages())
}

func TestCompletedStages_LegacyFileFallsBackToTimestamps(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := ItemProgress{Stages: map[string]time.Time{
		"score":   t0.Add(time.Second),
		"extract": t0,
		"alpha":   t0,
	}}
	assert.Equal(t, []string{"alpha", "extract", "score"}, p.CompletedStages())
}

func TestFailedWriteLeavesMemoryUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.RecordTransition("paper1", Transition{Stage: StageInProgress, CompletedStages: []string{"extract"}}))

	// Given the temp path is blocked so every write fails
	require.NoError(t, os.Mkdir(s.Path()+fsutil.TempSuffix, 0o755))

	// When mutations are attempted
	assert.Error(t, s.RecordTransition("paper1", Transition{Stage: StageCompleted, CompletedStages: []string{"score"}}))
	assert.Error(t, s.RecordRetry("paper1", RetryRecord{Stage: "score", Attempt: 1, Message: "timeout"}))
	assert.Error(t, s.RecordTransition("paper2", Transition{Stage: StageInProgress}))

	// Then memory still matches what is on disk
	p, ok := s.Item("paper1")
	require.True(t, ok)
	assert.Equal(t, StageInProgress, p.Stage)
	assert.Equal(t, []string{"extract"}, p.CompletedStages())
	assert.Zero(t, p.Retries)
	assert.Empty(t, p.Errors)
	assert.Nil(t, p.CompletedAt)
	_, ok = s.Item("paper2")
	assert.False(t, ok)

	require.NoError(t, os.Remove(s.Path()+fsutil.TempSuffix))
	reloaded := New(s.Path())
	require.True(t, reloaded.Load())
	onDisk, ok := reloaded.Item("paper1")
	require.True(t, ok)
	assert.Equal(t, p.Stage, onDisk.Stage)
	assert.Equal(t, p.CompletedStages(), onDisk.CompletedStages())
	assert.Equal(t, len(s.Snapshot().Items), len(reloaded.Snapshot().Items))
}
