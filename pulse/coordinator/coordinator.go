// Package coordinator drives items through the pipeline stages with a fixed
// pool of workers.
//
// For every stage call a worker acquires quota, invokes the executor under
// the retry policy and records the outcome in the checkpoint. One item's
// failure never affects its siblings. Cancelling the run context stops
// dequeuing; calls already in flight finish and checkpoint their outcome.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/pulse"
	"github.com/teranos/docpulse/pulse/checkpoint"
	"github.com/teranos/docpulse/pulse/retry"
)

// Quota is the rate limiter consulted before every stage call
type Quota interface {
	Consume(ctx context.Context, tokens int) error
}

// Recorder receives execution events, e.g. for metrics
type Recorder interface {
	ItemFinished(outcome Outcome)
	StageCall(stage string, elapsed time.Duration, err error)
	RetryScheduled(stage string, kind retry.Kind)
}

// Outcome of one item within a run
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped" // already terminal in the checkpoint
	OutcomeAborted   Outcome = "aborted" // run cancelled or halted before the item finished
)

// pulseLogger wraps zap.SugaredLogger with the pulse opening/closing marks
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow("❀ "+msg, keysAndValues...)
}

// Config controls the worker pool
type Config struct {
	Workers     int
	ItemTimeout time.Duration // per stage call; 0 = none
	DryRun      bool
	Stages      []string
}

// ConfigFromAm maps the [pulse] section to a coordinator Config
func ConfigFromAm(cfg am.PulseConfig) Config {
	return Config{
		Workers:     cfg.Workers,
		ItemTimeout: time.Duration(cfg.ItemTimeoutSeconds) * time.Second,
		DryRun:      cfg.DryRun,
		Stages:      cfg.Stages,
	}
}

// ItemResult is the outcome of one item, delivered in completion order
type ItemResult struct {
	ItemID   string        `json:"item_id"`
	Outcome  Outcome       `json:"outcome"`
	Stages   []string      `json:"stages,omitempty"`
	Attempts int           `json:"attempts"`
	Failures int           `json:"failures"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary aggregates a run
type Summary struct {
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	Aborted        int           `json:"aborted"`
	TotalProcessed int           `json:"total_processed"`
	Calls          int           `json:"calls"`
	Errors         int           `json:"errors"`
	Halted         bool          `json:"halted"`
	HaltReason     string        `json:"halt_reason,omitempty"`
	Duration       time.Duration `json:"duration"`
	Results        []ItemResult  `json:"results"`
}

// Coordinator runs items through the configured stages
type Coordinator struct {
	cfg      Config
	executor Executor
	quota    Quota
	retry    *retry.Engine
	store    *checkpoint.Store
	emitter  pulse.ProgressEmitter
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
	logger   pulseLogger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithEmitter reports progress to an emitter
func WithEmitter(e pulse.ProgressEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithRecorder reports execution events to r
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithSleep replaces the backoff sleep (for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// WithLogger sets the component logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Coordinator) { c.logger = pulseLogger{logger.OrNop(l)} }
}

// New creates a coordinator. The quota manager, retry engine and checkpoint
// store belong to the run and are shared by all workers.
func New(cfg Config, executor Executor, quota Quota, engine *retry.Engine, store *checkpoint.Store, opts ...Option) (*Coordinator, error) {
	if executor == nil || quota == nil || engine == nil || store == nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "coordinator needs an executor, quota, retry engine and checkpoint store")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = []string{"process"}
	}

	c := &Coordinator{
		cfg:      cfg,
		executor: executor,
		quota:    quota,
		retry:    engine,
		store:    store,
		recorder: nopRecorder{},
		sleep:    sleepContext,
		logger:   pulseLogger{zap.NewNop().Sugar()},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run-scoped halt signal shared by the workers
type halt struct {
	once   sync.Once
	ch     chan struct{}
	reason string
}

func (h *halt) trigger(reason string) {
	h.once.Do(func() {
		h.reason = reason
		close(h.ch)
	})
}

// uniqueIDs keeps the first occurrence of each id, in order. Two workers on
// one id would race on its checkpoint record.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (h *halt) halted() bool {
	select {
	case <-h.ch:
		return true
	default:
		return false
	}
}

// Run processes items with the worker pool and returns once every dequeued
// item has finished. Returns errors.ErrRunHalted when a required stage
// exhausted its run retry budget; cancellation is reported through
// Summary.Aborted, not as an error.
func (c *Coordinator) Run(ctx context.Context, items []string) (Summary, error) {
	start := time.Now()

	if deduped := uniqueIDs(items); len(deduped) != len(items) {
		c.logger.Warnw("Dropped duplicate item ids", "duplicates", len(items)-len(deduped))
		items = deduped
	}

	if c.cfg.DryRun {
		return c.dryRun(items, start), nil
	}

	if warning := checkMemoryPressure(c.cfg.Workers); warning != "" {
		c.logger.Warnw("Memory pressure warning", "warning", warning, "workers", c.cfg.Workers)
	}

	c.logger.Starting("Run opening",
		logger.FieldTotalCount, len(items),
		"workers", c.cfg.Workers,
		"stages", c.cfg.Stages)

	h := &halt{ch: make(chan struct{})}
	work := make(chan string)
	results := make(chan ItemResult)

	var g errgroup.Group
	g.Go(func() error {
		defer close(work)
		for _, id := range items {
			select {
			case <-ctx.Done():
				return nil
			case <-h.ch:
				return nil
			case work <- id:
			}
		}
		return nil
	})
	for w := 0; w < c.cfg.Workers; w++ {
		workerID := w
		g.Go(func() error {
			for id := range work {
				if ctx.Err() != nil || h.halted() {
					results <- ItemResult{ItemID: id, Outcome: OutcomeAborted}
					continue
				}
				results <- c.processItem(ctx, workerID, id, h)
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	summary := Summary{Results: make([]ItemResult, 0, len(items))}
	for res := range results {
		summary.add(res)
		c.recorder.ItemFinished(res.Outcome)
		if c.emitter != nil {
			c.emitter.EmitProgress(len(summary.Results), map[string]interface{}{
				"item_id": res.ItemID,
				"outcome": string(res.Outcome),
			})
		}
	}
	// Items never dequeued because of cancellation or halt
	summary.Aborted += len(items) - len(summary.Results)
	summary.Duration = time.Since(start)

	c.logger.Closing("Run closing",
		logger.FieldSucceeded, summary.Successful,
		logger.FieldFailed, summary.Failed,
		"skipped", summary.Skipped,
		"aborted", summary.Aborted,
		logger.FieldDurationMS, summary.Duration.Milliseconds())

	if h.halted() {
		summary.Halted = true
		summary.HaltReason = h.reason
		return summary, errors.WithDetail(errors.Wrap(errors.ErrRunHalted, h.reason), "in-flight items finished and were checkpointed")
	}
	return summary, nil
}

func (s *Summary) add(r ItemResult) {
	s.Results = append(s.Results, r)
	s.Calls += r.Attempts
	s.Errors += r.Failures
	switch r.Outcome {
	case OutcomeSucceeded:
		s.Successful++
		s.TotalProcessed++
	case OutcomeFailed:
		s.Failed++
		s.TotalProcessed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeAborted:
		s.Aborted++
	}
}

func (c *Coordinator) dryRun(items []string, start time.Time) Summary {
	c.logger.Infow("Dry run: no stage calls, quota or checkpoint writes", logger.FieldTotalCount, len(items))

	summary := Summary{Results: make([]ItemResult, 0, len(items))}
	for _, id := range items {
		summary.add(ItemResult{
			ItemID:  id,
			Outcome: OutcomeSucceeded,
			Stages:  append([]string(nil), c.cfg.Stages...),
		})
	}
	summary.Duration = time.Since(start)
	return summary
}

// processItem runs the remaining stages of one item. The run context gates
// quota waits and backoff sleeps; stage calls run detached from it so an
// abort never tears a call in half.
func (c *Coordinator) processItem(ctx context.Context, workerID int, itemID string, h *halt) ItemResult {
	start := time.Now()
	log := c.logger.With(logger.FieldItemID, itemID, logger.FieldWorkerID, workerID)
	res := ItemResult{ItemID: itemID}

	prog, known := c.store.Item(itemID)
	if known && prog.Stage.Terminal() {
		res.Outcome = OutcomeSkipped
		res.Stages = prog.CompletedStages()
		return res
	}
	started := known && prog.Stage == checkpoint.StageInProgress

	for _, stage := range c.cfg.Stages {
		if known && prog.HasStage(stage) {
			continue
		}

		for attempt := 1; ; attempt++ {
			if err := c.quota.Consume(ctx, 1); err != nil {
				res.Outcome = OutcomeAborted
				res.Duration = time.Since(start)
				return res
			}
			if !started {
				c.transition(log, itemID, checkpoint.Transition{Stage: checkpoint.StageInProgress})
				started = true
			}

			res.Attempts++
			out, err := c.call(ctx, itemID, stage)
			if err == nil {
				c.retry.RecordSuccess()
				done := append([]string{stage}, out.Substages...)
				res.Stages = append(res.Stages, done...)
				c.transition(log, itemID, checkpoint.Transition{
					Stage:           checkpoint.StageInProgress,
					CompletedStages: done,
				})
				break
			}

			res.Failures++
			c.retry.RecordFailure()
			decision := c.retry.ShouldRetry(attempt, stage, err)
			rec := checkpoint.RetryRecord{
				Stage:          stage,
				Attempt:        attempt,
				Classification: decision.Kind,
				DelayMS:        decision.Delay.Milliseconds(),
				Message:        retry.TruncateError(err),
			}
			policy := c.retry.Policy(stage)

			if !decision.Retry {
				log.Warnw("Item failed",
					logger.FieldStage, stage,
					logger.FieldAttempt, attempt,
					logger.FieldClassification, decision.Kind,
					logger.FieldReason, decision.Reason,
					logger.FieldError, rec.Message)
				if policy.Required && decision.Reason == retry.ReasonCircuitOpen {
					h.trigger("circuit breaker open on required stage " + stage)
				}
				return c.fail(log, res, start, rec)
			}

			retries, exhausted := c.retry.RecordRetry(stage)
			if exhausted {
				h.trigger("required stage " + stage + " exhausted its run retry budget")
				rec.DelayMS = 0
				log.Errorw("Run retry budget exhausted",
					logger.FieldStage, stage,
					"run_retries", retries,
					"budget", policy.RunRetryBudget)
				return c.fail(log, res, start, rec)
			}

			c.recorder.RetryScheduled(stage, decision.Kind)
			if err := c.store.RecordRetry(itemID, rec); err != nil {
				log.Warnw("Checkpoint write failed", logger.FieldError, err)
			}
			log.Debugw("Retry scheduled",
				logger.FieldStage, stage,
				logger.FieldAttempt, attempt,
				logger.FieldMaxAttempts, policy.MaxAttempts,
				logger.FieldClassification, decision.Kind,
				logger.FieldDelayMS, decision.Delay.Milliseconds())

			if err := c.sleep(ctx, decision.Delay); err != nil {
				// Aborted between attempts: the item stays in_progress for resume
				res.Outcome = OutcomeAborted
				res.Error = rec.Message
				res.Duration = time.Since(start)
				return res
			}
		}
	}

	c.transition(log, itemID, checkpoint.Transition{Stage: checkpoint.StageCompleted})
	res.Outcome = OutcomeSucceeded
	res.Duration = time.Since(start)
	return res
}

// call invokes the executor with the item timeout, detached from run
// cancellation
func (c *Coordinator) call(ctx context.Context, itemID, stage string) (*StageResult, error) {
	callCtx := context.WithoutCancel(ctx)
	if c.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.cfg.ItemTimeout)
		defer cancel()
	}
	callCtx = logger.WithItemID(callCtx, itemID)

	start := time.Now()
	out, err := safeExecute(callCtx, c.executor, itemID, stage)
	if err == nil && callCtx.Err() != nil {
		// Executor ignored its deadline
		err = errors.Wrapf(callCtx.Err(), "stage %s", stage)
	}
	c.recorder.StageCall(stage, time.Since(start), err)
	return out, err
}

func (c *Coordinator) fail(log *zap.SugaredLogger, res ItemResult, start time.Time, rec checkpoint.RetryRecord) ItemResult {
	c.transition(log, res.ItemID, checkpoint.Transition{Stage: checkpoint.StageFailed, Failure: &rec})
	if c.emitter != nil {
		c.emitter.EmitError(rec.Stage, errors.Newf("item %s: %s", res.ItemID, rec.Message))
	}
	res.Outcome = OutcomeFailed
	res.Error = rec.Message
	res.Duration = time.Since(start)
	return res
}

// transition persists a stage change. Checkpoint failures are logged, never
// allowed to stop the item.
func (c *Coordinator) transition(log *zap.SugaredLogger, itemID string, tr checkpoint.Transition) {
	if err := c.store.RecordTransition(itemID, tr); err != nil {
		log.Warnw("Checkpoint write failed",
			logger.FieldStatus, tr.Stage,
			logger.FieldError, err)
	}
}

type nopRecorder struct{}

func (nopRecorder) ItemFinished(Outcome)                   {}
func (nopRecorder) StageCall(string, time.Duration, error) {}
func (nopRecorder) RetryScheduled(string, retry.Kind)      {}
