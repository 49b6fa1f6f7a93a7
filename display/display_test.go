package display

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpulse/errors"
)

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewJSONEmitter(&buf)
	e.timeNow = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

	e.EmitStage("run", "starting")
	e.EmitProgress(3, map[string]interface{}{"item_id": "paper3", "outcome": "succeeded"})
	e.EmitError("extract", errors.New("boom"))
	e.EmitInfo("hello")
	e.EmitComplete(map[string]interface{}{"successful": 3})

	var events []ProgressEvent
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev ProgressEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 5)
	assert.Equal(t, "stage", events[0].Type)
	assert.Equal(t, "progress", events[1].Type)
	assert.Equal(t, 3.0, events[1].Data["count"])
	assert.Equal(t, "paper3", events[1].Data["item_id"])
	assert.Equal(t, "boom", events[2].Data["error"])
	assert.Equal(t, "complete", events[4].Type)
}

func TestShouldOutputJSON(t *testing.T) {
	t.Setenv(JSONEnv, "")

	root := &cobra.Command{Use: "docpulse"}
	root.PersistentFlags().Bool("json", false, "")
	child := &cobra.Command{Use: "status"}
	root.AddCommand(child)

	assert.False(t, ShouldOutputJSON(child))
	require.NoError(t, root.PersistentFlags().Set("json", "true"))
	assert.True(t, ShouldOutputJSON(child))

	t.Setenv(JSONEnv, "1")
	assert.True(t, ShouldOutputJSON(nil))
}

func TestMarshalJSON(t *testing.T) {
	t.Setenv(CompactEnv, "")
	data, err := MarshalJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n")

	t.Setenv(CompactEnv, "1")
	data, err = MarshalJSON(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}
