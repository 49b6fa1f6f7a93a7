package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
	dptest "github.com/teranos/docpulse/internal/testing"
)

func testRun(id, parent string, completed bool) *Run {
	kind := KindFull
	if parent != "" {
		kind = KindIncremental
	}
	r := &Run{
		RunID:         id,
		ParentRunID:   parent,
		Kind:          kind,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     testNow,
		UpdatedAt:     testNow,
		Totals:        Totals{Processed: 4, Failed: 1},
		Gaps:          GapMetrics{TotalGaps: 2},
	}
	if completed {
		r.Complete(testNow.Add(time.Hour))
	}
	return r
}

func TestRegistryUpsertAndGet(t *testing.T) {
	reg := NewRegistry(dptest.CreateTestDB(t))
	ctx := context.Background()

	run := testRun("base", "", false)
	require.NoError(t, reg.Upsert(ctx, run))

	rec, err := reg.Get(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, KindFull, rec.Kind)
	assert.False(t, rec.Completed)
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, 4, rec.ItemsProcessed)
	assert.Equal(t, 2, rec.TotalGaps)

	// Update in place
	run.Complete(testNow.Add(time.Hour))
	run.Totals.Processed = 9
	require.NoError(t, reg.Upsert(ctx, run))

	rec, err = reg.Get(ctx, "base")
	require.NoError(t, err)
	assert.True(t, rec.Completed)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.CompletedAt.Equal(testNow.Add(time.Hour)))
	assert.Equal(t, 9, rec.ItemsProcessed)

	_, err = reg.Get(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRegistryLineage(t *testing.T) {
	reg := NewRegistry(dptest.CreateTestDB(t))
	ctx := context.Background()

	require.NoError(t, reg.Upsert(ctx, testRun("r1", "", true)))
	require.NoError(t, reg.Upsert(ctx, testRun("r2", "r1", true)))
	require.NoError(t, reg.Upsert(ctx, testRun("r3", "r2", false)))

	chain, err := reg.Lineage(ctx, "r3")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "r3", chain[0].RunID)
	assert.Equal(t, "r2", chain[1].RunID)
	assert.Equal(t, "r1", chain[2].RunID)

	runs, err := reg.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	_, err = reg.Lineage(ctx, "unknown")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRegistryRejectsUnknownParent(t *testing.T) {
	reg := NewRegistry(dptest.CreateTestDB(t))
	err := reg.Upsert(context.Background(), testRun("orphan", "ghost", false))
	assert.Error(t, err, "foreign key on parent_run_id")
}

func TestRegistryValidateParent(t *testing.T) {
	reg := NewRegistry(dptest.CreateTestDB(t))
	ctx := context.Background()

	require.NoError(t, reg.Upsert(ctx, testRun("done", "", true)))
	require.NoError(t, reg.Upsert(ctx, testRun("running", "", false)))

	assert.NoError(t, reg.ValidateParent(ctx, "done"))
	assert.True(t, errors.Is(reg.ValidateParent(ctx, "running"), errors.ErrParentIncomplete))
	assert.True(t, errors.Is(reg.ValidateParent(ctx, "absent"), errors.ErrNotFound))
}

func TestManagerWithRegistry(t *testing.T) {
	reg := NewRegistry(dptest.CreateTestDB(t))
	m := newTestManager(t, WithRegistry(reg))
	ctx := context.Background()

	base, err := m.CreateNew(ctx, KindFull, "")
	require.NoError(t, err)
	base.Complete(testNow)
	require.NoError(t, m.Save(ctx, base))

	child, err := m.CreateNew(ctx, KindIncremental, base.RunID)
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, child))

	chain, err := reg.Lineage(ctx, child.RunID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, base.RunID, chain[1].RunID)
}

func TestRegistryUpsertError_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runs`).
		WillReturnError(errors.New("disk I/O error"))

	reg := NewRegistry(db)
	err = reg.Upsert(context.Background(), testRun("r1", "", false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert run r1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrySaveFailureIsNotFatal_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO runs`).WillReturnError(errors.New("database is locked"))

	m := newTestManager(t, WithRegistry(NewRegistry(db)))
	run, err := m.CreateNew(context.Background(), KindFull, "")
	require.NoError(t, err)

	// The file write succeeds even though the registry is unavailable
	assert.NoError(t, m.Save(context.Background(), run))
	_, found := m.Load()
	assert.True(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryGetError_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT run_id`).WithArgs("r1").WillReturnError(errors.New("connection lost"))

	_, err = NewRegistry(db).Get(context.Background(), "r1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAfterRegistryClosed(t *testing.T) {
	conn := dptest.CreateTestDB(t)
	m := newTestManager(t, WithRegistry(NewRegistry(conn)))
	run, err := m.CreateNew(context.Background(), KindFull, "")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, m.Save(context.Background(), run))
}
