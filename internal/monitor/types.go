package monitor

import (
	"slices"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// AlertType classifies what an alert is about.
type AlertType string

const (
	AlertPerformanceDegradation AlertType = "performance_degradation"
	AlertResourceExhaustion     AlertType = "resource_exhaustion"
	AlertAgentOffline           AlertType = "agent_offline"
	AlertQualityDecline         AlertType = "quality_decline"
	AlertBottleneck             AlertType = "bottleneck_detected"

	// AlertEscalation flags an item automation handed to a human: an
	// escalated conflict or error occurrence.
	AlertEscalation AlertType = "escalation"
)

// Severity is an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 2
	}
	return 1
}

// Alert is a raised condition. Alerts stay open until explicitly resolved;
// at most one alert per (Type, Source) is open at a time.
type Alert struct {
	ID         string     `json:"id"`
	Type       AlertType  `json:"type"`
	Severity   Severity   `json:"severity"`
	Source     string     `json:"source"`
	Metric     string     `json:"metric,omitempty"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Message    string     `json:"message"`
	Actions    []string   `json:"actions"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Open reports whether the alert is unresolved.
func (a Alert) Open() bool { return a.ResolvedAt == nil }

func (a *Alert) clone() Alert {
	cp := *a
	cp.Actions = slices.Clone(a.Actions)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return cp
}

// AlertSpec describes an alert to raise.
type AlertSpec struct {
	Type      AlertType
	Severity  Severity
	Source    string
	Metric    string
	Value     float64
	Threshold float64
	Message   string
}

type alertKey struct {
	typ    AlertType
	source string
}

// Metric is the latest value of a series with its trend.
type Metric struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	Trend     Trend     `json:"trend"`
}

// Snapshot is the state the coordinator hands the monitor on every
// collection cycle.
type Snapshot struct {
	Workers      []registry.Worker
	WorkerCounts registry.Counts
	Tasks        taskqueue.Counts
	// Capacity is the sum of MaxConcurrentTasks over online workers.
	Capacity int
	At       time.Time
}

// Resources are averages over online workers.
type Resources struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	Load           float64 `json:"load"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Availability   float64 `json:"availability"`
}

// HealthStatus is the rolled-up state of the system.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// SystemHealth is the snapshot used for external reporting.
type SystemHealth struct {
	Status     HealthStatus     `json:"status"`
	Workers    registry.Counts  `json:"workers"`
	Tasks      taskqueue.Counts `json:"tasks"`
	Resources  Resources        `json:"resources"`
	Host       *HostStats       `json:"host,omitempty"`
	Capacity   int              `json:"capacity"`
	Scaling    Decision         `json:"scaling"`
	OpenAlerts []Alert          `json:"open_alerts"`
	Trends     map[string]Trend `json:"trends"`
	CheckedAt  time.Time        `json:"checked_at"`
}
