package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrTerminalItem, "record transition for paper1")

	assert.Contains(t, wrapped.Error(), "paper1")
	assert.True(t, Is(wrapped, ErrTerminalItem))
	assert.False(t, Is(wrapped, ErrNotFound))
}

func TestWithHintAndDetail(t *testing.T) {
	err := WithHint(New("checkpoint locked"), "wait for the other run to finish")
	err = WithDetail(err, "Path: /tmp/run.json")

	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "wait for the other run to finish", hints[0])

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Path: /tmp/run.json", details[0])
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("run %s", "r1")))
	assert.True(t, IsNotFoundError(Wrap(ErrNotFound, "state file")))
	assert.False(t, IsNotFoundError(New("something else")))
	assert.False(t, IsNotFoundError(nil))
}

func TestIsInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("threshold %.2f out of range", 1.5)
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "threshold 1.50 out of range")
	assert.False(t, IsInvalidRequestError(ErrConflict))
}

type stageError struct {
	stage string
}

func (e *stageError) Error() string {
	return "stage failed: " + e.stage
}

func TestAsThroughWrap(t *testing.T) {
	wrapped := Wrapf(&stageError{stage: "extract"}, "item %s", "paper2")

	var target *stageError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "extract", target.stage)
}
