package am

import "github.com/spf13/viper"

// Default transient/permanent message patterns, matched case-insensitively
var (
	DefaultTransientPatterns = []string{
		`timeout`, `timed out`, `deadline exceeded`, `connection reset`, `connection refused`,
		`temporar(y|ily) unavailable`, `rate limit`, `too many requests`, `overloaded`,
		`service unavailable`, `bad gateway`, `eof`,
	}
	DefaultPermanentPatterns = []string{
		`invalid`, `unauthori[sz]ed`, `forbidden`, `not found`, `syntax error`,
		`reference error`, `validation`, `malformed`,
	}
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Coordinator
	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.item_timeout_seconds", 120)
	v.SetDefault("pulse.dry_run", false)
	v.SetDefault("pulse.stages", []string{"process"})

	// Quota: 60 calls per minute
	v.SetDefault("quota.rate", 60)
	v.SetDefault("quota.window_seconds", 60.0)
	v.SetDefault("quota.strict_window", true)

	// Retry
	v.SetDefault("retry.circuit_threshold", 5)
	v.SetDefault("retry.transient_patterns", DefaultTransientPatterns)
	v.SetDefault("retry.permanent_patterns", DefaultPermanentPatterns)
	v.SetDefault("retry.default.max_attempts", 3)
	v.SetDefault("retry.default.backoff_base", 2.0)
	v.SetDefault("retry.default.backoff_max_seconds", 60.0)

	// Persistence
	v.SetDefault("checkpoint.path", ".docpulse/checkpoint.json")
	v.SetDefault("state.path", ".docpulse/run_state.json")
	v.SetDefault("state.db_path", ".docpulse/runs.db")

	// Gap targeting
	v.SetDefault("gaps.threshold", 0.7)
	v.SetDefault("gaps.relevance_threshold", 0.3)
	v.SetDefault("gaps.semantic_weight", 0.0)

	// Merge
	v.SetDefault("merge.conflict_policy", "keep_existing")
	v.SetDefault("merge.update_metadata", true)

	// Executor
	v.SetDefault("executor.timeout_seconds", 60)
	v.SetDefault("executor.allow_private", false)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
