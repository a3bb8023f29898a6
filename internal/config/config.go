package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete taskmesh configuration
type Config struct {
	// DataDir holds logs, the journal database and file-backed mailboxes.
	// Empty means <config dir>/data.
	DataDir     string            `mapstructure:"data_dir"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Conflict    ConflictConfig    `mapstructure:"conflict"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Correction  CorrectionConfig  `mapstructure:"correction"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CoordinatorConfig controls scheduling and the background loops
type CoordinatorConfig struct {
	// MaxConcurrentTasksPerWorker is the default capacity of a worker that
	// does not announce its own.
	MaxConcurrentTasksPerWorker int `mapstructure:"max_concurrent_tasks_per_worker"`
	// AssignmentStrategy is one of round_robin, skill_based, load_balanced, priority_based
	AssignmentStrategy string `mapstructure:"assignment_strategy"`
	// HeartbeatIntervalSeconds is the expected worker heartbeat period. A
	// worker is expired after three missed intervals.
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// MaxAssignmentAttempts before a task is auto-blocked for the cooldown
	MaxAssignmentAttempts int `mapstructure:"max_assignment_attempts"`
	// PerformanceIntervalSeconds is the metric collection period
	PerformanceIntervalSeconds int `mapstructure:"performance_interval_seconds"`
	// BlockedSweepIntervalSeconds is the blocked-task sweep period
	BlockedSweepIntervalSeconds int `mapstructure:"blocked_sweep_interval_seconds"`
	// BlockDurationMinutes is the default block length when none is given
	BlockDurationMinutes int `mapstructure:"block_duration_minutes"`
	// AssignmentCooldownMinutes is how long an unassignable task stays blocked
	AssignmentCooldownMinutes int `mapstructure:"assignment_cooldown_minutes"`
	// AttemptWindowMinutes after which stale attempt counters are reset
	AttemptWindowMinutes int `mapstructure:"attempt_window_minutes"`
	// CancelGraceSeconds is how long a worker has to acknowledge a cancel
	CancelGraceSeconds int `mapstructure:"cancel_grace_seconds"`
	// ShutdownGraceSeconds bounds how long Stop waits for in-flight work
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

// ConflictConfig controls conflict classification and resolution
type ConflictConfig struct {
	// AutoResolveConfidenceThreshold is the minimum confidence (0-100) for
	// a resolution to be applied without review.
	AutoResolveConfidenceThreshold int `mapstructure:"auto_resolve_confidence_threshold"`
	// WorkspaceDir is the shared checkout resolutions are applied to.
	// Empty disables applying (every resolution is recorded only).
	WorkspaceDir string `mapstructure:"workspace_dir"`
	// GitBackups records a backup ref before destructive actions when the
	// workspace is a git repository.
	GitBackups bool `mapstructure:"git_backups"`
	// SchemaPatterns, APIPatterns and DependencyPatterns extend the built-in
	// glob tables used to classify files.
	SchemaPatterns     []string `mapstructure:"schema_patterns"`
	APIPatterns        []string `mapstructure:"api_patterns"`
	DependencyPatterns []string `mapstructure:"dependency_patterns"`
	// WatchWorkspaces enables filesystem attribution of undeclared edits
	WatchWorkspaces bool `mapstructure:"watch_workspaces"`
}

// VerifierConfig declares one external verifier run by the quality gate
type VerifierConfig struct {
	// Name is the verifier's category: lint, typecheck, tests, security,
	// performance or maintainability.
	Name string `mapstructure:"name"`
	// Command is the argv of the external tool. Empty selects the built-in
	// heuristic for the category.
	Command []string `mapstructure:"command"`
	// CoverProfile is the Go cover profile read by the tests verifier.
	CoverProfile string `mapstructure:"cover_profile"`
}

// QualityConfig controls the quality gate
type QualityConfig struct {
	// MinScore is the default minimum aggregate score (0-100)
	MinScore float64 `mapstructure:"min_score"`
	// Weights maps verifier category to its share of the aggregate score
	Weights map[string]float64 `mapstructure:"weights"`
	// Verifiers lists the verifiers to run
	Verifiers []VerifierConfig `mapstructure:"verifiers"`
	// TimeoutSeconds bounds a single gate evaluation
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ThresholdConfig is one row of the alert threshold table
type ThresholdConfig struct {
	Warning      float64 `mapstructure:"warning"`
	Critical     float64 `mapstructure:"critical"`
	LowerIsWorse bool    `mapstructure:"lower_is_worse"`
}

// MonitorConfig controls metric retention, trends and alerting
type MonitorConfig struct {
	// HistorySize is the number of samples retained per series
	HistorySize int `mapstructure:"history_size"`
	// TrendWindow is the number of recent samples compared by Trend
	TrendWindow int `mapstructure:"trend_window"`
	// TrendThresholdPercent is the relative change that counts as a trend
	TrendThresholdPercent float64 `mapstructure:"trend_threshold_percent"`
	// Thresholds maps metric name to warning/critical levels
	Thresholds map[string]ThresholdConfig `mapstructure:"thresholds"`
	// HostMetrics samples this host's cpu and memory alongside workers
	HostMetrics bool `mapstructure:"host_metrics"`
}

// CorrectionConfig controls the automatic error corrector
type CorrectionConfig struct {
	// Enabled turns auto-remediation on; when off every failure escalates
	Enabled bool `mapstructure:"enabled"`
	// MaxAutoRetries bounds correction attempts per occurrence
	MaxAutoRetries int `mapstructure:"max_auto_retries"`
	// StepTimeoutSeconds bounds a single resolution step
	StepTimeoutSeconds int `mapstructure:"step_timeout_seconds"`
	// PatternFiles are extra YAML or TOML pattern tables
	PatternFiles []string `mapstructure:"pattern_files"`
	// Environment is reported to pattern matching ("production" boosts
	// confidence for critical patterns).
	Environment string `mapstructure:"environment"`
	// WorkDir is where resolution commands run
	WorkDir string `mapstructure:"work_dir"`
}

// TransportConfig selects how the coordinator talks to workers
type TransportConfig struct {
	// Kind is "local" (in-process channels) or "mailbox" (JSONL files)
	Kind string `mapstructure:"kind"`
	// Dir is the mailbox root; empty means <data_dir>/mailbox
	Dir string `mapstructure:"dir"`
	// PollIntervalMs is the mailbox watcher period
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// StoreConfig controls the SQLite journal
type StoreConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Path of the database file; empty means <data_dir>/taskmesh.db
	Path string `mapstructure:"path"`
}

// LoggingConfig controls the coordinator's log file
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Metric names used in the default threshold table.
const (
	MetricTaskCompletionMinutes = "task_completion_minutes"
	MetricResponseTimeMs        = "response_time_ms"
	MetricCPU                   = "cpu"
	MetricMemory                = "memory"
	MetricSuccessRate           = "success_rate"
	MetricQualityScore          = "quality_score"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			MaxConcurrentTasksPerWorker: 3,
			AssignmentStrategy:          "skill_based",
			HeartbeatIntervalSeconds:    30,
			MaxAssignmentAttempts:       3,
			PerformanceIntervalSeconds:  60,
			BlockedSweepIntervalSeconds: 60,
			BlockDurationMinutes:        30,
			AssignmentCooldownMinutes:   60,
			AttemptWindowMinutes:        5,
			CancelGraceSeconds:          120,
			ShutdownGraceSeconds:        10,
		},
		Conflict: ConflictConfig{
			AutoResolveConfidenceThreshold: 70,
			GitBackups:                     true,
			SchemaPatterns:                 []string{},
			APIPatterns:                    []string{},
			DependencyPatterns:             []string{},
		},
		Quality: QualityConfig{
			MinScore: 80,
			Weights: map[string]float64{
				"lint":            0.25,
				"typecheck":       0.20,
				"tests":           0.25,
				"security":        0.15,
				"performance":     0.10,
				"maintainability": 0.05,
			},
			Verifiers: []VerifierConfig{
				{Name: "security"},
				{Name: "performance"},
				{Name: "maintainability"},
			},
			TimeoutSeconds: 300,
		},
		Monitor: MonitorConfig{
			HistorySize:           1000,
			TrendWindow:           10,
			TrendThresholdPercent: 5,
			Thresholds: map[string]ThresholdConfig{
				MetricTaskCompletionMinutes: {Warning: 120, Critical: 240},
				MetricResponseTimeMs:        {Warning: 30000, Critical: 60000},
				MetricCPU:                   {Warning: 70, Critical: 85},
				MetricMemory:                {Warning: 75, Critical: 90},
				MetricSuccessRate:           {Warning: 90, Critical: 80, LowerIsWorse: true},
				MetricQualityScore:          {Warning: 75, Critical: 60, LowerIsWorse: true},
			},
		},
		Correction: CorrectionConfig{
			Enabled:            true,
			MaxAutoRetries:     3,
			StepTimeoutSeconds: 120,
			PatternFiles:       []string{},
			Environment:        "development",
		},
		Transport: TransportConfig{
			Kind:           "local",
			PollIntervalMs: 500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// HeartbeatInterval returns the heartbeat interval as a Duration.
func (c *CoordinatorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// PerformanceInterval returns the metric collection interval as a Duration.
func (c *CoordinatorConfig) PerformanceInterval() time.Duration {
	return time.Duration(c.PerformanceIntervalSeconds) * time.Second
}

// BlockedSweepInterval returns the blocked-task sweep interval as a Duration.
func (c *CoordinatorConfig) BlockedSweepInterval() time.Duration {
	return time.Duration(c.BlockedSweepIntervalSeconds) * time.Second
}

// BlockDuration returns the default block length as a Duration.
func (c *CoordinatorConfig) BlockDuration() time.Duration {
	return time.Duration(c.BlockDurationMinutes) * time.Minute
}

// AssignmentCooldown returns the unassignable-task cooldown as a Duration.
func (c *CoordinatorConfig) AssignmentCooldown() time.Duration {
	return time.Duration(c.AssignmentCooldownMinutes) * time.Minute
}

// AttemptWindow returns the attempt-counter reset window as a Duration.
func (c *CoordinatorConfig) AttemptWindow() time.Duration {
	return time.Duration(c.AttemptWindowMinutes) * time.Minute
}

// CancelGrace returns the cancellation grace period as a Duration.
func (c *CoordinatorConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a Duration.
func (c *CoordinatorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// StepTimeout returns the per-step correction timeout as a Duration.
func (c *CorrectionConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// Timeout returns the gate evaluation timeout as a Duration.
func (c *QualityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the mailbox poll period as a Duration.
func (c *TransportConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ResolveDataDir returns DataDir or the default under ConfigDir.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(ConfigDir(), "data")
}

// StorePath returns the journal database path.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.ResolveDataDir(), "taskmesh.db")
}

// MailboxDir returns the root directory of file-backed mailboxes.
func (c *Config) MailboxDir() string {
	if c.Transport.Dir != "" {
		return c.Transport.Dir
	}
	return filepath.Join(c.ResolveDataDir(), "mailbox")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	setDefaults(viper.GetViper())
}

// DefaultSettings returns the defaults keyed the way viper reads them,
// ready to be written out as a config file.
func DefaultSettings() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("coordinator.max_concurrent_tasks_per_worker", d.Coordinator.MaxConcurrentTasksPerWorker)
	v.SetDefault("coordinator.assignment_strategy", d.Coordinator.AssignmentStrategy)
	v.SetDefault("coordinator.heartbeat_interval_seconds", d.Coordinator.HeartbeatIntervalSeconds)
	v.SetDefault("coordinator.max_assignment_attempts", d.Coordinator.MaxAssignmentAttempts)
	v.SetDefault("coordinator.performance_interval_seconds", d.Coordinator.PerformanceIntervalSeconds)
	v.SetDefault("coordinator.blocked_sweep_interval_seconds", d.Coordinator.BlockedSweepIntervalSeconds)
	v.SetDefault("coordinator.block_duration_minutes", d.Coordinator.BlockDurationMinutes)
	v.SetDefault("coordinator.assignment_cooldown_minutes", d.Coordinator.AssignmentCooldownMinutes)
	v.SetDefault("coordinator.attempt_window_minutes", d.Coordinator.AttemptWindowMinutes)
	v.SetDefault("coordinator.cancel_grace_seconds", d.Coordinator.CancelGraceSeconds)
	v.SetDefault("coordinator.shutdown_grace_seconds", d.Coordinator.ShutdownGraceSeconds)

	v.SetDefault("conflict.auto_resolve_confidence_threshold", d.Conflict.AutoResolveConfidenceThreshold)
	v.SetDefault("conflict.workspace_dir", d.Conflict.WorkspaceDir)
	v.SetDefault("conflict.git_backups", d.Conflict.GitBackups)
	v.SetDefault("conflict.schema_patterns", d.Conflict.SchemaPatterns)
	v.SetDefault("conflict.api_patterns", d.Conflict.APIPatterns)
	v.SetDefault("conflict.dependency_patterns", d.Conflict.DependencyPatterns)
	v.SetDefault("conflict.watch_workspaces", d.Conflict.WatchWorkspaces)

	v.SetDefault("quality.min_score", d.Quality.MinScore)
	v.SetDefault("quality.weights", d.Quality.Weights)
	v.SetDefault("quality.verifiers", verifierDefaults(d.Quality.Verifiers))
	v.SetDefault("quality.timeout_seconds", d.Quality.TimeoutSeconds)

	v.SetDefault("monitor.history_size", d.Monitor.HistorySize)
	v.SetDefault("monitor.trend_window", d.Monitor.TrendWindow)
	v.SetDefault("monitor.trend_threshold_percent", d.Monitor.TrendThresholdPercent)
	v.SetDefault("monitor.thresholds", thresholdDefaults(d.Monitor.Thresholds))
	v.SetDefault("monitor.host_metrics", d.Monitor.HostMetrics)

	v.SetDefault("correction.enabled", d.Correction.Enabled)
	v.SetDefault("correction.max_auto_retries", d.Correction.MaxAutoRetries)
	v.SetDefault("correction.step_timeout_seconds", d.Correction.StepTimeoutSeconds)
	v.SetDefault("correction.pattern_files", d.Correction.PatternFiles)
	v.SetDefault("correction.environment", d.Correction.Environment)
	v.SetDefault("correction.work_dir", d.Correction.WorkDir)

	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.dir", d.Transport.Dir)
	v.SetDefault("transport.poll_interval_ms", d.Transport.PollIntervalMs)

	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.compress", d.Logging.Compress)
}

// viper stores nested defaults as plain maps so that file values merge
// into them key by key.
func thresholdDefaults(in map[string]ThresholdConfig) map[string]any {
	out := make(map[string]any, len(in))
	for name, t := range in {
		out[name] = map[string]any{
			"warning":        t.Warning,
			"critical":       t.Critical,
			"lower_is_worse": t.LowerIsWorse,
		}
	}
	return out
}

func verifierDefaults(in []VerifierConfig) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, v := range in {
		out = append(out, map[string]any{
			"name":          v.Name,
			"command":       v.Command,
			"cover_profile": v.CoverProfile,
		})
	}
	return out
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskmesh")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmesh"
	}
	return filepath.Join(home, ".config", "taskmesh")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
