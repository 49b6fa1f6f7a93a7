// Package orchestrate ties the run components together: it narrows the item
// set for incremental runs, resumes from the checkpoint, drives the
// coordinator, then folds the outcome into the persisted run state and, for
// incremental runs, merges the new results into the parent's report.
package orchestrate

import (
	"context"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/gaps"
	"github.com/teranos/docpulse/internal/fsutil"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/merge"
	"github.com/teranos/docpulse/pulse"
	"github.com/teranos/docpulse/pulse/checkpoint"
	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/pulse/quota"
	"github.com/teranos/docpulse/pulse/retry"
	"github.com/teranos/docpulse/report"
	"github.com/teranos/docpulse/runstate"
)

// Request describes one run
type Request struct {
	Kind runstate.Kind
	// ParentRunID defaults to the completed run in the state file
	ParentRunID string
	// Items are the candidates; incremental runs process only relevant ones
	Items []gaps.Item
	// BaseReport is the parent's report: the gap source and merge base
	BaseReport string
	// ResultReport is the report the stages produced for this run, if any
	ResultReport string
	// MergedReport receives the merged report; defaults to BaseReport
	MergedReport string
	// Resume continues the run recorded in the checkpoint
	Resume bool
}

// Outcome is everything a run produced
type Outcome struct {
	Run       *runstate.Run       `json:"run"`
	Summary   coordinator.Summary `json:"summary"`
	Gaps      []gaps.Gap          `json:"gaps,omitempty"`
	Partition *gaps.Partition     `json:"partition,omitempty"`
	Merge     *merge.Result       `json:"merge,omitempty"`
	Reopened  []string            `json:"reopened,omitempty"`
}

// Recorder combines the coordinator and quota observers
type Recorder interface {
	coordinator.Recorder
	quota.Observer
}

// Driver runs the pipeline for one configuration
type Driver struct {
	cfg      *am.Config
	executor coordinator.Executor
	emitter  pulse.ProgressEmitter
	recorder Recorder
	registry *runstate.Registry
	watcher  *am.ConfigWatcher
	embedder gaps.Embedder
	sleep    func(ctx context.Context, d time.Duration) error
	timeNow  func() time.Time
	logger   *zap.SugaredLogger
}

// Option configures a Driver
type Option func(*Driver)

// WithEmitter reports progress to e
func WithEmitter(e pulse.ProgressEmitter) Option {
	return func(d *Driver) { d.emitter = e }
}

// WithRecorder reports coordinator and quota events, e.g. to metrics
func WithRecorder(r Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// WithRegistry indexes saved runs for lineage
func WithRegistry(r *runstate.Registry) Option {
	return func(d *Driver) { d.registry = r }
}

// WithWatcher applies quota changes from config reloads during the run
func WithWatcher(w *am.ConfigWatcher) Option {
	return func(d *Driver) { d.watcher = w }
}

// WithEmbedder blends semantic similarity into relevance scoring
func WithEmbedder(e gaps.Embedder) Option {
	return func(d *Driver) { d.embedder = e }
}

// WithSleep replaces the coordinator's backoff sleep (for testing)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// WithClock sets the time source for testing
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.timeNow = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) { d.logger = logger.OrNop(l) }
}

// New creates a Driver. cfg must already be validated.
func New(cfg *am.Config, executor coordinator.Executor, opts ...Option) (*Driver, error) {
	if cfg == nil || executor == nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "driver needs a config and an executor")
	}
	d := &Driver{
		cfg:      cfg,
		executor: executor,
		timeNow:  time.Now,
		logger:   logger.OrNop(nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run executes req. A halted run returns its outcome together with an
// error wrapping errors.ErrRunHalted.
func (d *Driver) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.Kind == "" {
		req.Kind = runstate.KindFull
	}
	if !req.Kind.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "unknown run kind %q", req.Kind)
	}
	dryRun := d.cfg.Pulse.DryRun

	if !dryRun {
		lock := fsutil.NewFileLock(d.cfg.Checkpoint.Path + ".lock")
		if err := lock.TryLock(); err != nil {
			return nil, err
		}
		defer lock.Unlock()
	}

	states := runstate.NewManager(d.cfg.State.Path,
		runstate.WithRegistry(d.registry),
		runstate.WithClock(d.timeNow),
		runstate.WithLogger(d.logger.Named("runstate")))
	stored, haveStored := states.Load()

	out := &Outcome{}
	items := req.Items
	if req.Kind == runstate.KindIncremental {
		if req.ParentRunID == "" {
			switch {
			case req.Resume && haveStored && !stored.Completed && stored.Kind == runstate.KindIncremental:
				req.ParentRunID = stored.ParentRunID
			case haveStored && stored.Completed:
				req.ParentRunID = stored.RunID
			default:
				return nil, errors.WithHint(
					errors.Wrap(errors.ErrParentIncomplete, "no completed run to build on"),
					"run a full pass first or pass --parent")
			}
		}
		narrowed, err := d.target(ctx, req, out)
		if err != nil {
			return nil, err
		}
		items = narrowed
	}
	ids := IDs(items)

	if dryRun {
		return d.dryRun(ctx, req, ids, out)
	}

	store := checkpoint.New(d.cfg.Checkpoint.Path,
		checkpoint.WithClock(d.timeNow),
		checkpoint.WithLogger(d.logger.Named("checkpoint")))
	if removed, err := store.CleanupTemp(); err != nil {
		d.logger.Warnw("Could not remove orphaned checkpoint temp file", logger.FieldError, err.Error())
	} else if removed {
		d.logger.Infow("Removed orphaned checkpoint temp file", logger.FieldPath, store.Path()+fsutil.TempSuffix)
	}

	engine, err := retry.NewEngine(d.cfg.Retry, d.logger.Named("retry"))
	if err != nil {
		return nil, err
	}

	run, err := d.beginRun(ctx, req, states, stored, haveStored, store)
	if err != nil {
		return nil, err
	}
	out.Run = run
	if req.Resume {
		out.Reopened = d.reopenTransient(store, engine)
	}
	if err := store.Register(ids...); err != nil {
		d.logger.Warnw("Checkpoint write failed", logger.FieldError, err.Error())
	}
	if err := store.SetStatus(checkpoint.RunRunning); err != nil {
		d.logger.Warnw("Checkpoint write failed", logger.FieldError, err.Error())
	}
	// Persist the in-progress run so a crash leaves a resumable record
	if err := states.Save(ctx, run); err != nil {
		return nil, err
	}

	qm, err := d.newQuota()
	if err != nil {
		return nil, err
	}
	if d.watcher != nil {
		d.watcher.OnReload(func(c *am.Config) error {
			return qm.SetRate(c.Quota.Rate, windowOf(c.Quota))
		})
	}

	coordOpts := []coordinator.Option{coordinator.WithLogger(d.logger.Named("coordinator"))}
	if d.emitter != nil {
		coordOpts = append(coordOpts, coordinator.WithEmitter(d.emitter))
	}
	if d.recorder != nil {
		coordOpts = append(coordOpts, coordinator.WithRecorder(d.recorder))
	}
	if d.sleep != nil {
		coordOpts = append(coordOpts, coordinator.WithSleep(d.sleep))
	}
	coord, err := coordinator.New(coordinator.ConfigFromAm(d.cfg.Pulse), d.executor, qm, engine, store, coordOpts...)
	if err != nil {
		return nil, err
	}

	if d.emitter != nil {
		d.emitter.EmitStage("run", runBanner(run, len(ids)))
	}
	summary, runErr := coord.Run(ctx, ids)
	out.Summary = summary

	d.finish(ctx, req, run, summary, store, runErr, out)
	if err := states.Save(ctx, run); err != nil {
		return out, errors.Join(runErr, err)
	}
	if d.emitter != nil {
		d.emitter.EmitComplete(map[string]interface{}{
			"run_id":     run.RunID,
			"successful": summary.Successful,
			"failed":     summary.Failed,
			"skipped":    summary.Skipped,
			"aborted":    summary.Aborted,
			"completed":  run.Completed,
		})
	}
	return out, runErr
}

// target extracts gaps from the base report and keeps the relevant items
func (d *Driver) target(ctx context.Context, req Request, out *Outcome) ([]gaps.Item, error) {
	if req.BaseReport == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "incremental run needs the parent's report")
	}
	base, err := report.Load(req.BaseReport)
	if err != nil {
		return nil, err
	}
	list, err := gaps.Extract(base, d.cfg.Gaps.Threshold)
	if err != nil {
		return nil, err
	}
	out.Gaps = list

	scorerOpts := []gaps.Option{gaps.WithLogger(d.logger.Named("gaps"))}
	if d.embedder != nil {
		scorerOpts = append(scorerOpts, gaps.WithEmbedder(d.embedder, d.cfg.Gaps.SemanticWeight))
	}
	part, err := gaps.NewScorer(scorerOpts...).Partition(ctx, req.Items, list, d.cfg.Gaps.RelevanceThreshold)
	if err != nil {
		return nil, err
	}
	out.Partition = &part

	if d.emitter != nil {
		d.emitter.EmitInfo(pluralize(len(list), "gap") + " below threshold, " +
			pluralize(len(part.Process), "relevant item") + " of " + pluralize(len(req.Items), "candidate"))
	}
	kept := make([]gaps.Item, len(part.Process))
	for i, sc := range part.Process {
		kept[i] = sc.Item
	}
	return kept, nil
}

// beginRun resumes the checkpointed run when asked and possible, otherwise
// starts a new run and a fresh checkpoint. A loaded checkpoint without a
// matching run record keeps its items and gets its record rebuilt.
func (d *Driver) beginRun(ctx context.Context, req Request, states *runstate.Manager, stored *runstate.Run, haveStored bool, store *checkpoint.Store) (*runstate.Run, error) {
	if req.Resume && store.Load() {
		cpID := store.RunID()
		switch {
		case haveStored && stored.RunID == cpID && !stored.Completed:
			d.logger.Infow("Resuming run", logger.FieldRunID, cpID, "incomplete", len(store.IncompleteItems()))
			return stored, nil
		case haveStored && stored.RunID == cpID:
			d.logger.Infow("Checkpointed run already completed, starting fresh", "checkpoint_run_id", cpID)
		case cpID != "":
			run, err := states.Restore(cpID, req.Kind, req.ParentRunID, store.Snapshot().StartedAt)
			if err != nil {
				return nil, errors.WithHint(
					errors.Wrapf(err, "rebuild run %s from checkpoint", cpID),
					"run without --resume to start over")
			}
			d.logger.Infow("Resuming run", logger.FieldRunID, cpID, "incomplete", len(store.IncompleteItems()))
			return run, nil
		default:
			d.logger.Warnw("Checkpoint has no run id, starting fresh", logger.FieldPath, store.Path())
		}
	}

	run, err := states.CreateNew(ctx, req.Kind, req.ParentRunID)
	if err != nil {
		return nil, err
	}
	if err := store.Begin(run.RunID); err != nil {
		d.logger.Warnw("Checkpoint write failed", logger.FieldError, err.Error())
	}
	return run, nil
}

// reopenTransient makes failed items whose last failure was transient
// eligible again. Permanent failures stay failed.
func (d *Driver) reopenTransient(store *checkpoint.Store, engine *retry.Engine) []string {
	var reopened []string
	for _, id := range store.FailedItems() {
		p, ok := store.Item(id)
		if !ok {
			continue
		}
		kind := engine.Classify(p.LastError, 0)
		if n := len(p.Errors); n > 0 && p.Errors[n-1].Classification != "" {
			kind = p.Errors[n-1].Classification
		}
		if kind != retry.KindTransient {
			continue
		}
		if err := store.Reopen(id); err != nil {
			d.logger.Warnw("Could not reopen item", logger.FieldItemID, id, logger.FieldError, err.Error())
			continue
		}
		reopened = append(reopened, id)
	}
	if len(reopened) > 0 {
		d.logger.Infow("Reopened transient failures", logger.FieldCount, len(reopened))
	}
	return reopened
}

func (d *Driver) newQuota() (*quota.Manager, error) {
	opts := []quota.Option{
		quota.WithStrictWindow(d.cfg.Quota.StrictWindow),
		quota.WithLogger(d.logger.Named("quota")),
	}
	if d.recorder != nil {
		opts = append(opts, quota.WithObserver(d.recorder))
	}
	return quota.New(d.cfg.Quota.Rate, windowOf(d.cfg.Quota), opts...)
}

func windowOf(q am.QuotaConfig) time.Duration {
	return time.Duration(q.WindowSeconds * float64(time.Second))
}

// finish folds the coordinator summary and any result report into run
func (d *Driver) finish(ctx context.Context, req Request, run *runstate.Run, summary coordinator.Summary, store *checkpoint.Store, runErr error, out *Outcome) {
	stats := store.Stats()
	skippedByRelevance := 0
	if out.Partition != nil {
		skippedByRelevance = len(out.Partition.Skip)
	}

	run.Totals = runstate.Totals{
		Discovered: len(req.Items),
		Processed:  stats.Completed + stats.Failed,
		Skipped:    summary.Skipped + skippedByRelevance,
		Failed:     stats.Failed,
	}
	run.Execution.DurationSeconds += summary.Duration.Seconds()
	run.Execution.Calls += summary.Calls
	run.Execution.Errors += summary.Errors
	run.Execution.Retries = stats.Retries
	run.Execution.Halted = summary.Halted
	run.Execution.HaltReason = summary.HaltReason

	status := checkpoint.RunCompleted
	switch {
	case errors.Is(runErr, errors.ErrRunHalted):
		status = checkpoint.RunFailed
	case ctx.Err() != nil || summary.Aborted > 0:
		// Left running so the next --resume picks it up
		status = checkpoint.RunRunning
	default:
		run.Complete(d.timeNow().UTC())
	}
	if err := store.SetStatus(status); err != nil {
		d.logger.Warnw("Checkpoint write failed", logger.FieldError, err.Error())
	}

	if run.Completed {
		d.foldReports(req, run, out)
	}
}

// foldReports merges the result report into the base for incremental runs
// and recomputes coverage and gap metrics from the final report.
func (d *Driver) foldReports(req Request, run *runstate.Run, out *Outcome) {
	if req.ResultReport == "" {
		return
	}
	if _, err := os.Stat(req.ResultReport); os.IsNotExist(err) {
		d.logger.Infow("No result report produced", logger.FieldPath, req.ResultReport)
		return
	}
	result, err := report.Load(req.ResultReport)
	if err != nil {
		d.logger.Warnw("Result report unreadable", logger.FieldPath, req.ResultReport, logger.FieldError, err.Error())
		return
	}

	final := result
	if run.Kind == runstate.KindIncremental && req.BaseReport != "" {
		merged, err := d.mergeInto(req, run, result)
		if err != nil {
			d.logger.Warnw("Merge failed", logger.FieldError, err.Error())
			return
		}
		out.Merge = merged
		final = merged.Report
	}

	list, err := gaps.Extract(final, d.cfg.Gaps.Threshold)
	if err != nil {
		d.logger.Warnw("Gap extraction failed", logger.FieldError, err.Error())
		return
	}
	now := d.timeNow().UTC()
	*run = *runstate.UpdateCoverage(run, final)
	*run = *runstate.UpdateGapMetrics(run, list, d.cfg.Gaps.Threshold, now)
}

func (d *Driver) mergeInto(req Request, run *runstate.Run, incoming *report.Report) (*merge.Result, error) {
	base, err := report.Load(req.BaseReport)
	if err != nil {
		return nil, err
	}
	policy, err := merge.ParsePolicy(d.cfg.Merge.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	m := merge.New(
		merge.WithPolicy(policy),
		merge.WithMetadata(d.cfg.Merge.UpdateMetadata),
		merge.WithSource(run.RunID),
		merge.WithClock(d.timeNow),
		merge.WithLogger(d.logger.Named("merge")))
	res, err := m.Merge(base, incoming)
	if err != nil {
		return nil, err
	}

	dest := req.MergedReport
	if dest == "" {
		dest = req.BaseReport
	}
	if err := report.Save(dest, res.Report); err != nil {
		return nil, err
	}
	return res, nil
}

// dryRun validates the request end to end without quota, checkpoint,
// state or executor side effects.
func (d *Driver) dryRun(ctx context.Context, req Request, ids []string, out *Outcome) (*Outcome, error) {
	engine, err := retry.NewEngine(d.cfg.Retry, d.logger.Named("retry"))
	if err != nil {
		return nil, err
	}
	qm, err := d.newQuota()
	if err != nil {
		return nil, err
	}
	store := checkpoint.New(d.cfg.Checkpoint.Path, checkpoint.WithLogger(d.logger.Named("checkpoint")))
	coord, err := coordinator.New(coordinator.ConfigFromAm(d.cfg.Pulse), d.executor, qm, engine, store,
		coordinator.WithLogger(d.logger.Named("coordinator")))
	if err != nil {
		return nil, err
	}
	summary, err := coord.Run(ctx, ids)
	out.Summary = summary
	out.Run = &runstate.Run{Kind: req.Kind, ParentRunID: req.ParentRunID}
	return out, err
}

func runBanner(run *runstate.Run, items int) string {
	banner := string(run.Kind) + " run " + run.RunID + " over " + pluralize(items, "item")
	if run.ParentRunID != "" {
		banner += " (parent " + run.ParentRunID + ")"
	}
	return banner
}

func pluralize(n int, noun string) string {
	s := strconv.Itoa(n) + " " + noun
	if n != 1 {
		s += "s"
	}
	return s
}
