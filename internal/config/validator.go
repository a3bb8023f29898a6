package config

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "coordinator.assignment_strategy")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidAssignmentStrategies returns the list of valid assignment strategies
func ValidAssignmentStrategies() []string {
	return []string{"round_robin", "skill_based", "load_balanced", "priority_based"}
}

// ValidTransportKinds returns the list of valid transport kinds
func ValidTransportKinds() []string {
	return []string{"local", "mailbox"}
}

// ValidVerifierNames returns the verifier categories the quality gate knows
func ValidVerifierNames() []string {
	return []string{"lint", "typecheck", "tests", "security", "performance", "maintainability"}
}

// ValidEnvironments returns the environments reported to error matching
func ValidEnvironments() []string {
	return []string{"development", "staging", "production"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateCoordinator()...)
	errors = append(errors, c.validateConflict()...)
	errors = append(errors, c.validateQuality()...)
	errors = append(errors, c.validateMonitor()...)
	errors = append(errors, c.validateCorrection()...)
	errors = append(errors, c.validateTransport()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
}

func nonNegative(field string, v int) []ValidationError {
	if v >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
}

// validateCoordinator validates the CoordinatorConfig
func (c *Config) validateCoordinator() []ValidationError {
	var errors []ValidationError
	cc := c.Coordinator

	errors = append(errors, positive("coordinator.max_concurrent_tasks_per_worker", cc.MaxConcurrentTasksPerWorker)...)
	errors = append(errors, positive("coordinator.max_assignment_attempts", cc.MaxAssignmentAttempts)...)
	errors = append(errors, positive("coordinator.block_duration_minutes", cc.BlockDurationMinutes)...)
	errors = append(errors, positive("coordinator.assignment_cooldown_minutes", cc.AssignmentCooldownMinutes)...)
	errors = append(errors, positive("coordinator.attempt_window_minutes", cc.AttemptWindowMinutes)...)

	// Zero disables the corresponding loop.
	errors = append(errors, nonNegative("coordinator.heartbeat_interval_seconds", cc.HeartbeatIntervalSeconds)...)
	errors = append(errors, nonNegative("coordinator.performance_interval_seconds", cc.PerformanceIntervalSeconds)...)
	errors = append(errors, nonNegative("coordinator.blocked_sweep_interval_seconds", cc.BlockedSweepIntervalSeconds)...)
	errors = append(errors, nonNegative("coordinator.cancel_grace_seconds", cc.CancelGraceSeconds)...)
	errors = append(errors, nonNegative("coordinator.shutdown_grace_seconds", cc.ShutdownGraceSeconds)...)

	if !slices.Contains(ValidAssignmentStrategies(), cc.AssignmentStrategy) {
		errors = append(errors, ValidationError{
			Field:   "coordinator.assignment_strategy",
			Value:   cc.AssignmentStrategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidAssignmentStrategies(), ", ")),
		})
	}

	return errors
}

// validateConflict validates the ConflictConfig
func (c *Config) validateConflict() []ValidationError {
	var errors []ValidationError
	cc := c.Conflict

	if cc.AutoResolveConfidenceThreshold < 0 || cc.AutoResolveConfidenceThreshold > 100 {
		errors = append(errors, ValidationError{
			Field:   "conflict.auto_resolve_confidence_threshold",
			Value:   cc.AutoResolveConfidenceThreshold,
			Message: "must be between 0 and 100",
		})
	}

	if strings.ContainsRune(cc.WorkspaceDir, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "conflict.workspace_dir",
			Value:   cc.WorkspaceDir,
			Message: "path contains invalid null character",
		})
	}

	errors = append(errors, validateGlobs("conflict.schema_patterns", cc.SchemaPatterns)...)
	errors = append(errors, validateGlobs("conflict.api_patterns", cc.APIPatterns)...)
	errors = append(errors, validateGlobs("conflict.dependency_patterns", cc.DependencyPatterns)...)

	return errors
}

func validateGlobs(field string, patterns []string) []ValidationError {
	var errors []ValidationError
	for i, p := range patterns {
		if _, err := glob.Compile(p, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Value:   p,
				Message: fmt.Sprintf("invalid glob: %v", err),
			})
		}
	}
	return errors
}

// validateQuality validates the QualityConfig
func (c *Config) validateQuality() []ValidationError {
	var errors []ValidationError
	qc := c.Quality

	if qc.MinScore < 0 || qc.MinScore > 100 {
		errors = append(errors, ValidationError{
			Field:   "quality.min_score",
			Value:   qc.MinScore,
			Message: "must be between 0 and 100",
		})
	}

	errors = append(errors, positive("quality.timeout_seconds", qc.TimeoutSeconds)...)

	names := make([]string, 0, len(qc.Weights))
	for name := range qc.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	for _, name := range names {
		w := qc.Weights[name]
		if !slices.Contains(ValidVerifierNames(), name) {
			errors = append(errors, ValidationError{
				Field:   "quality.weights." + name,
				Value:   w,
				Message: fmt.Sprintf("unknown verifier, must be one of: %s", strings.Join(ValidVerifierNames(), ", ")),
			})
		}
		if w < 0 {
			errors = append(errors, ValidationError{
				Field:   "quality.weights." + name,
				Value:   w,
				Message: "must be non-negative",
			})
		}
		sum += w
	}
	if len(qc.Weights) > 0 && math.Abs(sum-1) > 0.001 {
		errors = append(errors, ValidationError{
			Field:   "quality.weights",
			Value:   sum,
			Message: "weights must sum to 1.0",
		})
	}

	seen := make(map[string]bool)
	for i, v := range qc.Verifiers {
		field := fmt.Sprintf("quality.verifiers[%d].name", i)
		if !slices.Contains(ValidVerifierNames(), v.Name) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   v.Name,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidVerifierNames(), ", ")),
			})
			continue
		}
		if seen[v.Name] {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   v.Name,
				Message: "duplicate verifier",
			})
		}
		seen[v.Name] = true
	}

	return errors
}

// validateMonitor validates the MonitorConfig
func (c *Config) validateMonitor() []ValidationError {
	var errors []ValidationError
	mc := c.Monitor

	errors = append(errors, positive("monitor.history_size", mc.HistorySize)...)

	if mc.TrendWindow < 2 {
		errors = append(errors, ValidationError{
			Field:   "monitor.trend_window",
			Value:   mc.TrendWindow,
			Message: "must be at least 2",
		})
	}
	if mc.HistorySize > 0 && mc.TrendWindow > mc.HistorySize {
		errors = append(errors, ValidationError{
			Field:   "monitor.trend_window",
			Value:   mc.TrendWindow,
			Message: "must not exceed monitor.history_size",
		})
	}
	if mc.TrendThresholdPercent <= 0 {
		errors = append(errors, ValidationError{
			Field:   "monitor.trend_threshold_percent",
			Value:   mc.TrendThresholdPercent,
			Message: "must be positive",
		})
	}

	names := make([]string, 0, len(mc.Thresholds))
	for name := range mc.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := mc.Thresholds[name]
		ordered := t.Warning <= t.Critical
		if t.LowerIsWorse {
			ordered = t.Warning >= t.Critical
		}
		if !ordered {
			msg := "warning must not exceed critical"
			if t.LowerIsWorse {
				msg = "warning must not be below critical when lower is worse"
			}
			errors = append(errors, ValidationError{
				Field:   "monitor.thresholds." + name,
				Value:   fmt.Sprintf("warning=%v critical=%v", t.Warning, t.Critical),
				Message: msg,
			})
		}
	}

	return errors
}

// validateCorrection validates the CorrectionConfig
func (c *Config) validateCorrection() []ValidationError {
	var errors []ValidationError
	cc := c.Correction

	errors = append(errors, nonNegative("correction.max_auto_retries", cc.MaxAutoRetries)...)
	errors = append(errors, positive("correction.step_timeout_seconds", cc.StepTimeoutSeconds)...)

	if cc.Environment != "" && !slices.Contains(ValidEnvironments(), cc.Environment) {
		errors = append(errors, ValidationError{
			Field:   "correction.environment",
			Value:   cc.Environment,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidEnvironments(), ", ")),
		})
	}

	for i, f := range cc.PatternFiles {
		if !strings.HasSuffix(f, ".yaml") && !strings.HasSuffix(f, ".yml") && !strings.HasSuffix(f, ".toml") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("correction.pattern_files[%d]", i),
				Value:   f,
				Message: "must be a .yaml, .yml or .toml file",
			})
		}
	}

	return errors
}

// validateTransport validates the TransportConfig
func (c *Config) validateTransport() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTransportKinds(), c.Transport.Kind) {
		errors = append(errors, ValidationError{
			Field:   "transport.kind",
			Value:   c.Transport.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTransportKinds(), ", ")),
		})
	}
	if c.Transport.Kind == "mailbox" {
		errors = append(errors, positive("transport.poll_interval_ms", c.Transport.PollIntervalMs)...)
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}
