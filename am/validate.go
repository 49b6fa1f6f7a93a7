package am

import (
	"regexp"

	"github.com/teranos/docpulse/errors"
)

// Validate checks that the configuration is valid.
// Zero means zero: a zero timeout disables the timeout, it is not replaced
// by a default.
func (c *Config) Validate() error {
	if c.Pulse.Workers < 1 {
		return errors.Newf("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.ItemTimeoutSeconds < 0 {
		return errors.Newf("pulse.item_timeout_seconds must be >= 0, got %d", c.Pulse.ItemTimeoutSeconds)
	}
	if len(c.Pulse.Stages) == 0 {
		return errors.New("pulse.stages must name at least one stage")
	}
	seen := make(map[string]bool, len(c.Pulse.Stages))
	for _, s := range c.Pulse.Stages {
		if s == "" {
			return errors.New("pulse.stages cannot contain an empty name")
		}
		if seen[s] {
			return errors.Newf("pulse.stages contains %q twice", s)
		}
		seen[s] = true
	}

	if c.Quota.Rate < 1 {
		return errors.Newf("quota.rate must be >= 1, got %d", c.Quota.Rate)
	}
	if c.Quota.WindowSeconds <= 0 {
		return errors.Newf("quota.window_seconds must be > 0, got %f", c.Quota.WindowSeconds)
	}

	if c.Retry.CircuitThreshold < 0 {
		return errors.Newf("retry.circuit_threshold must be >= 0, got %d", c.Retry.CircuitThreshold)
	}
	if err := validatePatterns("retry.transient_patterns", c.Retry.TransientPatterns); err != nil {
		return err
	}
	if err := validatePatterns("retry.permanent_patterns", c.Retry.PermanentPatterns); err != nil {
		return err
	}
	if err := c.Retry.Default.validate("retry.default"); err != nil {
		return err
	}
	for name := range c.Retry.Stages {
		p := c.Retry.StagePolicy(name)
		if err := p.validate("retry.stages." + name); err != nil {
			return err
		}
	}

	if c.Checkpoint.Path == "" {
		return errors.New("checkpoint.path cannot be empty")
	}
	if c.State.Path == "" {
		return errors.New("state.path cannot be empty")
	}

	if c.Gaps.Threshold <= 0 || c.Gaps.Threshold > 1 {
		return errors.Newf("gaps.threshold must be in (0, 1], got %f", c.Gaps.Threshold)
	}
	if c.Gaps.RelevanceThreshold < 0 || c.Gaps.RelevanceThreshold > 1 {
		return errors.Newf("gaps.relevance_threshold must be in [0, 1], got %f", c.Gaps.RelevanceThreshold)
	}
	if c.Gaps.SemanticWeight < 0 || c.Gaps.SemanticWeight > 1 {
		return errors.Newf("gaps.semantic_weight must be in [0, 1], got %f", c.Gaps.SemanticWeight)
	}

	switch c.Merge.ConflictPolicy {
	case "keep_existing", "keep_new", "keep_both":
	default:
		return errors.Newf("merge.conflict_policy must be keep_existing, keep_new or keep_both, got %q", c.Merge.ConflictPolicy)
	}

	if c.Executor.TimeoutSeconds < 0 {
		return errors.Newf("executor.timeout_seconds must be >= 0, got %d", c.Executor.TimeoutSeconds)
	}
	return nil
}

func (p StagePolicyConfig) validate(key string) error {
	if p.MaxAttempts < 1 {
		return errors.Newf("%s.max_attempts must be >= 1, got %d", key, p.MaxAttempts)
	}
	if p.BackoffBase < 1 {
		return errors.Newf("%s.backoff_base must be >= 1, got %f", key, p.BackoffBase)
	}
	if p.BackoffMaxSeconds < 1 {
		return errors.Newf("%s.backoff_max_seconds must be >= 1, got %f", key, p.BackoffMaxSeconds)
	}
	if p.RunRetryBudget < 0 {
		return errors.Newf("%s.run_retry_budget must be >= 0, got %d", key, p.RunRetryBudget)
	}
	return validatePatterns(key+".retryable_patterns", p.RetryablePatterns)
}

func validatePatterns(key string, patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return errors.Wrapf(err, "%s: bad pattern %q", key, p)
		}
	}
	return nil
}
