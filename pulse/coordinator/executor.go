package coordinator

import (
	"context"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/pulse/retry"
)

// StageResult is what a stage executor reports on success
type StageResult struct {
	// Substages finished as part of the stage, recorded alongside it
	Substages []string `json:"substages,omitempty"`
}

// Executor runs one stage of one item. Implementations must be safe for
// concurrent use by all workers. Failures should be *retry.ClassifiedError
// where the kind is known; other errors are classified by message.
type Executor interface {
	Execute(ctx context.Context, itemID, stage string) (*StageResult, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, itemID, stage string) (*StageResult, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, itemID, stage string) (*StageResult, error) {
	return f(ctx, itemID, stage)
}

// safeExecute turns an executor panic into a permanent failure of the item
func safeExecute(ctx context.Context, ex Executor, itemID, stage string) (res *StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = retry.Permanent(errors.Newf("stage %s panicked: %v", stage, r))
		}
	}()
	res, err = ex.Execute(ctx, itemID, stage)
	if err == nil && res == nil {
		res = &StageResult{}
	}
	return res, err
}
