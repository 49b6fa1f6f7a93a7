package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/docpulse/pulse"
)

var (
	_ pulse.ProgressEmitter = (*CLIEmitter)(nil)
	_ pulse.ProgressEmitter = (*JSONEmitter)(nil)
)

// CLIEmitter prints run progress to the terminal using pterm
type CLIEmitter struct {
	verbosity int
	total     int
}

// NewCLIEmitter creates a terminal emitter. total is the number of items in
// the run, 0 when unknown.
func NewCLIEmitter(verbosity, total int) *CLIEmitter {
	return &CLIEmitter{verbosity: verbosity, total: total}
}

// EmitStage prints a phase announcement
func (e *CLIEmitter) EmitStage(stage string, message string) {
	pterm.Printf("🔄 %s: %s\n", pterm.LightCyan(stage), message)
}

// EmitProgress prints the finished-item count
func (e *CLIEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	if e.verbosity < 1 && e.total > 0 && count != e.total && count%progressEvery(e.total) != 0 {
		return
	}
	outcome, _ := metadata["outcome"].(string)
	item, _ := metadata["item_id"].(string)
	if e.total > 0 {
		pterm.Printf("✅ %s/%d %s %s\n", pterm.Green(fmt.Sprintf("%d", count)), e.total, item, pterm.Gray(outcome))
		return
	}
	pterm.Printf("✅ Processed %s items\n", pterm.Green(fmt.Sprintf("%d", count)))
}

// progressEvery keeps non-verbose output to about twenty lines
func progressEvery(total int) int {
	if total < 20 {
		return 1
	}
	return total / 20
}

// EmitComplete prints the run summary
func (e *CLIEmitter) EmitComplete(summary map[string]interface{}) {
	pterm.Success.Println("Run complete")
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pterm.Printf("  %s: %v\n", k, summary[k])
	}
}

// EmitError prints a failure
func (e *CLIEmitter) EmitError(stage string, err error) {
	pterm.Error.Printf("Error in %s: %v\n", stage, err)
}

// EmitInfo prints an informational message at verbosity 1 and above
func (e *CLIEmitter) EmitInfo(message string) {
	if e.verbosity >= 1 {
		pterm.Info.Println(message)
	}
}

// ProgressEvent is one line of JSONEmitter output
type ProgressEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// JSONEmitter writes newline-delimited progress events
type JSONEmitter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	timeNow func() time.Time
}

// NewJSONEmitter writes events to w, or stdout when w is nil
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &JSONEmitter{encoder: json.NewEncoder(w), timeNow: time.Now}
}

func (e *JSONEmitter) emit(kind string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.encoder.Encode(ProgressEvent{Type: kind, Timestamp: e.timeNow(), Data: data})
}

// EmitStage emits a stage event
func (e *JSONEmitter) EmitStage(stage string, message string) {
	e.emit("stage", map[string]interface{}{"stage": stage, "message": message})
}

// EmitProgress emits a progress event merged with metadata
func (e *JSONEmitter) EmitProgress(count int, metadata map[string]interface{}) {
	data := map[string]interface{}{"count": count}
	for k, v := range metadata {
		data[k] = v
	}
	e.emit("progress", data)
}

// EmitComplete emits the run summary
func (e *JSONEmitter) EmitComplete(summary map[string]interface{}) {
	e.emit("complete", summary)
}

// EmitError emits a failure
func (e *JSONEmitter) EmitError(stage string, err error) {
	e.emit("error", map[string]interface{}{"stage": stage, "error": err.Error()})
}

// EmitInfo emits an informational message
func (e *JSONEmitter) EmitInfo(message string) {
	e.emit("info", map[string]interface{}{"message": message})
}
