package am

// Config represents the core docpulse configuration
type Config struct {
	Pulse      PulseConfig      `mapstructure:"pulse"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	State      StateConfig      `mapstructure:"state"`
	Gaps       GapsConfig       `mapstructure:"gaps"`
	Merge      MergeConfig      `mapstructure:"merge"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

// PulseConfig configures the parallel work coordinator
type PulseConfig struct {
	Workers            int      `mapstructure:"workers"`              // Number of concurrent item workers (default: 4)
	ItemTimeoutSeconds int      `mapstructure:"item_timeout_seconds"` // Per stage-call timeout; 0 = no timeout
	DryRun             bool     `mapstructure:"dry_run"`              // Report synthetic success, no side effects
	Stages             []string `mapstructure:"stages"`               // Ordered pipeline stages
}

// QuotaConfig configures the outbound call limiter.
// Rate tokens are granted per WindowSeconds.
type QuotaConfig struct {
	Rate          int     `mapstructure:"rate"`
	WindowSeconds float64 `mapstructure:"window_seconds"`
	StrictWindow  bool    `mapstructure:"strict_window"` // Also cap grants per rolling window
}

// RetryConfig configures failure classification and the circuit breaker
type RetryConfig struct {
	CircuitThreshold  int                          `mapstructure:"circuit_threshold"` // Consecutive failures before retries stop; 0 = disabled
	TransientPatterns []string                     `mapstructure:"transient_patterns"`
	PermanentPatterns []string                     `mapstructure:"permanent_patterns"`
	Default           StagePolicyConfig            `mapstructure:"default"`
	Stages            map[string]StagePolicyConfig `mapstructure:"stages"`
}

// StagePolicyConfig is the retry policy of one pipeline stage
type StagePolicyConfig struct {
	MaxAttempts       int      `mapstructure:"max_attempts"`
	BackoffBase       float64  `mapstructure:"backoff_base"`
	BackoffMaxSeconds float64  `mapstructure:"backoff_max_seconds"`
	RetryablePatterns []string `mapstructure:"retryable_patterns"`
	Required          bool     `mapstructure:"required"`         // Exhausting the run budget halts the run
	RunRetryBudget    int      `mapstructure:"run_retry_budget"` // Run-wide retries allowed for a required stage
}

// CheckpointConfig configures the checkpoint store
type CheckpointConfig struct {
	Path string `mapstructure:"path"`
}

// StateConfig configures the run state file and the lineage registry
type StateConfig struct {
	Path   string `mapstructure:"path"`
	DBPath string `mapstructure:"db_path"` // Empty disables the lineage registry
}

// GapsConfig configures gap extraction and relevance targeting
type GapsConfig struct {
	Threshold          float64 `mapstructure:"threshold"`           // Target coverage (0-1)
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"` // Minimum score to process an item
	SemanticWeight     float64 `mapstructure:"semantic_weight"`     // Blend weight of the embedding term (0-1)
}

// MergeConfig configures the result merger
type MergeConfig struct {
	ConflictPolicy string `mapstructure:"conflict_policy"` // keep_existing, keep_new, keep_both
	UpdateMetadata bool   `mapstructure:"update_metadata"`
}

// ExecutorConfig configures the HTTP stage executor
type ExecutorConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private"` // Permit loopback/private targets (local services)
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // Empty disables the endpoint
}

// LogConfig configures logging output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// StagePolicy returns the retry policy configured for stage, falling back to
// the default policy for unset fields.
func (c RetryConfig) StagePolicy(stage string) StagePolicyConfig {
	p, ok := c.Stages[stage]
	if !ok {
		return c.Default
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = c.Default.MaxAttempts
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = c.Default.BackoffBase
	}
	if p.BackoffMaxSeconds == 0 {
		p.BackoffMaxSeconds = c.Default.BackoffMaxSeconds
	}
	if len(p.RetryablePatterns) == 0 {
		p.RetryablePatterns = c.Default.RetryablePatterns
	}
	return p
}

// File and directory permission constants
const (
	DefaultDirPermissions  = 0o755
	DefaultFilePermissions = 0o644
)

// ConfigFileName is the project config file searched for upward from cwd
const ConfigFileName = "docpulse.toml"
