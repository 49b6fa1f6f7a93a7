// Package pulse holds the execution core of a run: quota, retry, checkpoint
// and the worker coordinator live in its subpackages.
package pulse

// ProgressEmitter receives progress updates during a run. Implementations
// must be safe for use from the coordinator's collector goroutine.
type ProgressEmitter interface {
	// EmitStage announces the start of a run phase
	EmitStage(stage string, message string)

	// EmitProgress announces the number of finished items with optional metadata
	EmitProgress(count int, metadata map[string]interface{})

	// EmitComplete announces completion with a summary
	EmitComplete(summary map[string]interface{})

	// EmitError announces an item or phase failure
	EmitError(stage string, err error)

	// EmitInfo emits a general informational message
	EmitInfo(message string)
}
