package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{
			name:      "unknown strategy",
			modify:    func(c *Config) { c.Coordinator.AssignmentStrategy = "fifo" },
			wantField: "coordinator.assignment_strategy",
		},
		{
			name:      "zero attempts",
			modify:    func(c *Config) { c.Coordinator.MaxAssignmentAttempts = 0 },
			wantField: "coordinator.max_assignment_attempts",
		},
		{
			name:      "negative heartbeat",
			modify:    func(c *Config) { c.Coordinator.HeartbeatIntervalSeconds = -1 },
			wantField: "coordinator.heartbeat_interval_seconds",
		},
		{
			name:      "confidence threshold out of range",
			modify:    func(c *Config) { c.Conflict.AutoResolveConfidenceThreshold = 150 },
			wantField: "conflict.auto_resolve_confidence_threshold",
		},
		{
			name:      "bad glob",
			modify:    func(c *Config) { c.Conflict.SchemaPatterns = []string{"migrations/[a-"} },
			wantField: "conflict.schema_patterns[0]",
		},
		{
			name:      "min score out of range",
			modify:    func(c *Config) { c.Quality.MinScore = 101 },
			wantField: "quality.min_score",
		},
		{
			name:      "weights do not sum to one",
			modify:    func(c *Config) { c.Quality.Weights["lint"] = 0.5 },
			wantField: "quality.weights",
		},
		{
			name:      "unknown verifier",
			modify:    func(c *Config) { c.Quality.Verifiers = append(c.Quality.Verifiers, VerifierConfig{Name: "fuzz"}) },
			wantField: "quality.verifiers[3].name",
		},
		{
			name:      "duplicate verifier",
			modify:    func(c *Config) { c.Quality.Verifiers = append(c.Quality.Verifiers, VerifierConfig{Name: "security"}) },
			wantField: "quality.verifiers[3].name",
		},
		{
			name:      "trend window too small",
			modify:    func(c *Config) { c.Monitor.TrendWindow = 1 },
			wantField: "monitor.trend_window",
		},
		{
			name: "inverted threshold",
			modify: func(c *Config) {
				c.Monitor.Thresholds[MetricCPU] = ThresholdConfig{Warning: 90, Critical: 80}
			},
			wantField: "monitor.thresholds.cpu",
		},
		{
			name: "inverted lower-is-worse threshold",
			modify: func(c *Config) {
				c.Monitor.Thresholds[MetricSuccessRate] = ThresholdConfig{Warning: 70, Critical: 80, LowerIsWorse: true}
			},
			wantField: "monitor.thresholds.success_rate",
		},
		{
			name:      "unknown environment",
			modify:    func(c *Config) { c.Correction.Environment = "qa" },
			wantField: "correction.environment",
		},
		{
			name:      "pattern file extension",
			modify:    func(c *Config) { c.Correction.PatternFiles = []string{"patterns.json"} },
			wantField: "correction.pattern_files[0]",
		},
		{
			name:      "unknown transport",
			modify:    func(c *Config) { c.Transport.Kind = "grpc" },
			wantField: "transport.kind",
		},
		{
			name: "mailbox without poll interval",
			modify: func(c *Config) {
				c.Transport.Kind = "mailbox"
				c.Transport.PollIntervalMs = 0
			},
			wantField: "transport.poll_interval_ms",
		},
		{
			name:      "bad log level",
			modify:    func(c *Config) { c.Logging.Level = "trace" },
			wantField: "logging.level",
		},
		{
			name:      "log size too large",
			modify:    func(c *Config) { c.Logging.MaxSizeMB = 2000 },
			wantField: "logging.max_size_mb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for field %q, got %v", tt.wantField, errs)
			}
		})
	}
}

func TestConfig_Validate_ZeroIntervalsAllowed(t *testing.T) {
	cfg := Default()
	cfg.Coordinator.HeartbeatIntervalSeconds = 0
	cfg.Coordinator.PerformanceIntervalSeconds = 0
	cfg.Coordinator.BlockedSweepIntervalSeconds = 0
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("zero intervals disable loops and should be valid, got: %v", errs)
	}
}
