// Package retry decides whether a failed stage call is tried again.
//
// Decisions combine the stage's attempt limit, the failure classification
// and a run-wide circuit breaker counting consecutive failures across all
// items. Only transient failures are retried.
package retry

import (
	"math"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
)

// Reasons reported with a Decision
const (
	ReasonTransient   = "transient error"
	ReasonMaxAttempts = "max attempts"
	ReasonPermanent   = "permanent error"
	ReasonUnknown     = "unknown error"
	ReasonCircuitOpen = "circuit open"
)

const (
	// Jitter is the maximum relative deviation applied to a backoff delay
	Jitter = 0.2
	// MinDelay floors every backoff delay
	MinDelay = time.Second

	// keeps an uncapped policy inside time.Duration
	maxDelaySeconds = 1e9
)

// Decision is the outcome of ShouldRetry
type Decision struct {
	Retry  bool
	Reason string
	Kind   Kind
	Delay  time.Duration
}

// Policy is the retry configuration of one stage
type Policy struct {
	MaxAttempts    int
	BackoffBase    float64
	BackoffMax     time.Duration
	Required       bool
	RunRetryBudget int

	retryable []*regexp.Regexp
}

// Engine holds per-stage policies and the run-wide circuit breaker.
// Safe for concurrent use by all workers of a run.
type Engine struct {
	classifier *Classifier
	defaults   Policy
	stages     map[string]Policy
	threshold  int

	mu                  sync.Mutex
	consecutiveFailures int
	stageRetries        map[string]int

	jitter func() float64 // returns [0,1); injectable for testing
	logger *zap.SugaredLogger
}

// NewEngine builds an engine from the retry configuration
func NewEngine(cfg am.RetryConfig, log *zap.SugaredLogger) (*Engine, error) {
	classifier, err := NewClassifier(cfg.TransientPatterns, cfg.PermanentPatterns)
	if err != nil {
		return nil, err
	}

	defaults, err := newPolicy(cfg.Default)
	if err != nil {
		return nil, errors.Wrap(err, "default retry policy")
	}
	stages := make(map[string]Policy, len(cfg.Stages))
	for name := range cfg.Stages {
		p, err := newPolicy(cfg.StagePolicy(name))
		if err != nil {
			return nil, errors.Wrapf(err, "retry policy for stage %s", name)
		}
		stages[name] = p
	}

	return &Engine{
		classifier:   classifier,
		defaults:     defaults,
		stages:       stages,
		threshold:    cfg.CircuitThreshold,
		stageRetries: make(map[string]int),
		jitter:       rand.Float64,
		logger:       logger.OrNop(log),
	}, nil
}

func newPolicy(c am.StagePolicyConfig) (Policy, error) {
	retryable, err := compilePatterns(c.RetryablePatterns)
	if err != nil {
		return Policy{}, err
	}
	if c.MaxAttempts < 1 {
		return Policy{}, errors.Wrapf(errors.ErrInvalidRequest, "max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BackoffBase < 1 {
		return Policy{}, errors.Wrapf(errors.ErrInvalidRequest, "backoff_base must be >= 1, got %f", c.BackoffBase)
	}
	return Policy{
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		BackoffMax:     time.Duration(c.BackoffMaxSeconds * float64(time.Second)),
		Required:       c.Required,
		RunRetryBudget: c.RunRetryBudget,
		retryable:      retryable,
	}, nil
}

// Policy returns the effective policy of stage
func (e *Engine) Policy(stage string) Policy {
	if p, ok := e.stages[stage]; ok {
		return p
	}
	return e.defaults
}

// Classify maps a message and optional HTTP status to a Kind
func (e *Engine) Classify(message string, status int) Kind {
	return e.classifier.Classify(message, status)
}

// ClassifyError classifies err for stage, honouring the stage's retryable patterns
func (e *Engine) ClassifyError(stage string, err error) Kind {
	return e.classifier.classifyError(err, e.Policy(stage).retryable)
}

// ShouldRetry decides whether attempt (1-based, the attempt that just
// failed) of stage is followed by another one.
func (e *Engine) ShouldRetry(attempt int, stage string, err error) Decision {
	p := e.Policy(stage)
	kind := e.classifier.classifyError(err, p.retryable)

	if attempt >= p.MaxAttempts {
		return Decision{Reason: ReasonMaxAttempts, Kind: kind}
	}
	if e.CircuitOpen() {
		return Decision{Reason: ReasonCircuitOpen, Kind: kind}
	}
	switch kind {
	case KindPermanent:
		return Decision{Reason: ReasonPermanent, Kind: kind}
	case KindUnknown:
		return Decision{Reason: ReasonUnknown, Kind: kind}
	}

	return Decision{
		Retry:  true,
		Reason: ReasonTransient,
		Kind:   kind,
		Delay:  e.Backoff(attempt, stage),
	}
}

// BaseDelay is the un-jittered delay after attempt: min(base^(attempt-1), max)
// seconds. Non-decreasing in attempt.
func (e *Engine) BaseDelay(attempt int, stage string) time.Duration {
	p := e.Policy(stage)
	if attempt < 1 {
		attempt = 1
	}
	seconds := math.Pow(p.BackoffBase, float64(attempt-1))
	if maxSeconds := p.BackoffMax.Seconds(); p.BackoffMax > 0 && seconds > maxSeconds {
		seconds = maxSeconds
	}
	if math.IsInf(seconds, 0) || seconds > maxDelaySeconds {
		seconds = maxDelaySeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// Backoff is BaseDelay with up to ±20% jitter, floored at MinDelay
func (e *Engine) Backoff(attempt int, stage string) time.Duration {
	base := e.BaseDelay(attempt, stage)

	e.mu.Lock()
	r := e.jitter()
	e.mu.Unlock()

	factor := 1 + (r*2-1)*Jitter
	d := time.Duration(float64(base) * factor)
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// RecordSuccess resets the consecutive-failure counter
func (e *Engine) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure counter and returns it
func (e *Engine) RecordFailure() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	if e.threshold > 0 && e.consecutiveFailures == e.threshold {
		e.logger.Warnw("Circuit breaker tripped",
			"consecutive_failures", e.consecutiveFailures,
			"threshold", e.threshold)
	}
	return e.consecutiveFailures
}

// ConsecutiveFailures returns the current counter value
func (e *Engine) ConsecutiveFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveFailures
}

// CircuitOpen reports whether retries are suspended. A zero threshold
// disables the breaker.
func (e *Engine) CircuitOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold > 0 && e.consecutiveFailures >= e.threshold
}

// RecordRetry counts a retry of stage against the run budget and reports
// whether a required stage has now exceeded its budget.
func (e *Engine) RecordRetry(stage string) (retries int, exhausted bool) {
	p := e.Policy(stage)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stageRetries[stage]++
	retries = e.stageRetries[stage]
	exhausted = p.Required && p.RunRetryBudget > 0 && retries > p.RunRetryBudget
	return retries, exhausted
}

// StageRetries returns the run-wide retry count per stage
func (e *Engine) StageRetries() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.stageRetries))
	for k, v := range e.stageRetries {
		out[k] = v
	}
	return out
}
