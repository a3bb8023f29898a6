package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the "category.action" name of the event.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type names.
const (
	TypeWorkerRegistered  = "worker.registered"
	TypeWorkerOnline      = "worker.online"
	TypeWorkerOffline     = "worker.offline"
	TypeTaskSubmitted     = "task.submitted"
	TypeTaskAssigned      = "task.assigned"
	TypeTaskStatusChanged = "task.status_changed"
	TypeTaskBlocked       = "task.blocked"
	TypeConflictDetected  = "conflict.detected"
	TypeConflictResolved  = "conflict.resolved"
	TypeConflictEscalated = "conflict.escalated"
	TypeQualityEvaluated  = "quality.evaluated"
	TypeAlertRaised       = "alert.raised"
	TypeAlertResolved     = "alert.resolved"
	TypeErrorHandled      = "error.handled"
	TypeConfigReloaded    = "config.reloaded"
)

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerRegisteredEvent is emitted on every (idempotent) registration.
type WorkerRegisteredEvent struct {
	baseEvent
	WorkerID     string
	WorkerType   string
	Capabilities []string
	Reregistered bool
}

// NewWorkerRegisteredEvent creates a WorkerRegisteredEvent.
func NewWorkerRegisteredEvent(workerID, workerType string, capabilities []string, reregistered bool) WorkerRegisteredEvent {
	return WorkerRegisteredEvent{
		baseEvent:    newBaseEvent(TypeWorkerRegistered),
		WorkerID:     workerID,
		WorkerType:   workerType,
		Capabilities: capabilities,
		Reregistered: reregistered,
	}
}

// WorkerOnlineEvent is emitted when an offline worker heartbeats again.
type WorkerOnlineEvent struct {
	baseEvent
	WorkerID string
}

// NewWorkerOnlineEvent creates a WorkerOnlineEvent.
func NewWorkerOnlineEvent(workerID string) WorkerOnlineEvent {
	return WorkerOnlineEvent{baseEvent: newBaseEvent(TypeWorkerOnline), WorkerID: workerID}
}

// WorkerOfflineEvent is emitted when the heartbeat sweep expires a worker.
type WorkerOfflineEvent struct {
	baseEvent
	WorkerID       string
	LastHeartbeat  time.Time
	ReclaimedTasks []string
}

// NewWorkerOfflineEvent creates a WorkerOfflineEvent.
func NewWorkerOfflineEvent(workerID string, lastHeartbeat time.Time, reclaimed []string) WorkerOfflineEvent {
	return WorkerOfflineEvent{
		baseEvent:      newBaseEvent(TypeWorkerOffline),
		WorkerID:       workerID,
		LastHeartbeat:  lastHeartbeat,
		ReclaimedTasks: reclaimed,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskSubmittedEvent is emitted when a task enters the queue.
type TaskSubmittedEvent struct {
	baseEvent
	TaskID   string
	Title    string
	Kind     string
	Priority string
	Score    int
}

// NewTaskSubmittedEvent creates a TaskSubmittedEvent.
func NewTaskSubmittedEvent(taskID, title, kind, priority string, score int) TaskSubmittedEvent {
	return TaskSubmittedEvent{
		baseEvent: newBaseEvent(TypeTaskSubmitted),
		TaskID:    taskID,
		Title:     title,
		Kind:      kind,
		Priority:  priority,
		Score:     score,
	}
}

// TaskAssignedEvent is emitted when the coordinator assigns a task.
type TaskAssignedEvent struct {
	baseEvent
	TaskID   string
	WorkerID string
	Strategy string
}

// NewTaskAssignedEvent creates a TaskAssignedEvent.
func NewTaskAssignedEvent(taskID, workerID, strategy string) TaskAssignedEvent {
	return TaskAssignedEvent{
		baseEvent: newBaseEvent(TypeTaskAssigned),
		TaskID:    taskID,
		WorkerID:  workerID,
		Strategy:  strategy,
	}
}

// TaskStatusChangedEvent is emitted on every legal status transition.
type TaskStatusChangedEvent struct {
	baseEvent
	TaskID   string
	WorkerID string
	From     string
	To       string
	Reason   string
}

// NewTaskStatusChangedEvent creates a TaskStatusChangedEvent.
func NewTaskStatusChangedEvent(taskID, workerID, from, to, reason string) TaskStatusChangedEvent {
	return TaskStatusChangedEvent{
		baseEvent: newBaseEvent(TypeTaskStatusChanged),
		TaskID:    taskID,
		WorkerID:  workerID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// TaskBlockedEvent is emitted when a task is moved out of the active queue.
type TaskBlockedEvent struct {
	baseEvent
	TaskID string
	Reason string
	Until  time.Time
}

// NewTaskBlockedEvent creates a TaskBlockedEvent.
func NewTaskBlockedEvent(taskID, reason string, until time.Time) TaskBlockedEvent {
	return TaskBlockedEvent{
		baseEvent: newBaseEvent(TypeTaskBlocked),
		TaskID:    taskID,
		Reason:    reason,
		Until:     until,
	}
}

// -----------------------------------------------------------------------------
// Conflict Events
// -----------------------------------------------------------------------------

// ConflictDetectedEvent is emitted when overlapping file sets are found.
type ConflictDetectedEvent struct {
	baseEvent
	ConflictID string
	Kind       string
	Severity   string
	Files      []string
	WorkerIDs  []string
	TaskIDs    []string
}

// NewConflictDetectedEvent creates a ConflictDetectedEvent.
func NewConflictDetectedEvent(conflictID, kind, severity string, files, workers, tasks []string) ConflictDetectedEvent {
	return ConflictDetectedEvent{
		baseEvent:  newBaseEvent(TypeConflictDetected),
		ConflictID: conflictID,
		Kind:       kind,
		Severity:   severity,
		Files:      files,
		WorkerIDs:  workers,
		TaskIDs:    tasks,
	}
}

// ConflictResolvedEvent is emitted after a resolution was applied.
type ConflictResolvedEvent struct {
	baseEvent
	ConflictID string
	Strategy   string
	Confidence int
	Actions    int
}

// NewConflictResolvedEvent creates a ConflictResolvedEvent.
func NewConflictResolvedEvent(conflictID, strategy string, confidence, actions int) ConflictResolvedEvent {
	return ConflictResolvedEvent{
		baseEvent:  newBaseEvent(TypeConflictResolved),
		ConflictID: conflictID,
		Strategy:   strategy,
		Confidence: confidence,
		Actions:    actions,
	}
}

// ConflictEscalatedEvent is emitted when a conflict is handed to manual review.
type ConflictEscalatedEvent struct {
	baseEvent
	ConflictID string
	Strategy   string
	Confidence int
	Reason     string
}

// NewConflictEscalatedEvent creates a ConflictEscalatedEvent.
func NewConflictEscalatedEvent(conflictID, strategy string, confidence int, reason string) ConflictEscalatedEvent {
	return ConflictEscalatedEvent{
		baseEvent:  newBaseEvent(TypeConflictEscalated),
		ConflictID: conflictID,
		Strategy:   strategy,
		Confidence: confidence,
		Reason:     reason,
	}
}

// -----------------------------------------------------------------------------
// Quality, Alert and Correction Events
// -----------------------------------------------------------------------------

// QualityEvaluatedEvent is emitted once per quality gate run.
type QualityEvaluatedEvent struct {
	baseEvent
	TaskID   string
	WorkerID string
	Passed   bool
	Score    float64
	Issues   int
}

// NewQualityEvaluatedEvent creates a QualityEvaluatedEvent.
func NewQualityEvaluatedEvent(taskID, workerID string, passed bool, score float64, issues int) QualityEvaluatedEvent {
	return QualityEvaluatedEvent{
		baseEvent: newBaseEvent(TypeQualityEvaluated),
		TaskID:    taskID,
		WorkerID:  workerID,
		Passed:    passed,
		Score:     score,
		Issues:    issues,
	}
}

// AlertRaisedEvent is emitted when the monitor opens a new alert.
type AlertRaisedEvent struct {
	baseEvent
	AlertID   string
	AlertType string
	Severity  string
	Source    string
	Message   string
}

// NewAlertRaisedEvent creates an AlertRaisedEvent.
func NewAlertRaisedEvent(alertID, alertType, severity, source, message string) AlertRaisedEvent {
	return AlertRaisedEvent{
		baseEvent: newBaseEvent(TypeAlertRaised),
		AlertID:   alertID,
		AlertType: alertType,
		Severity:  severity,
		Source:    source,
		Message:   message,
	}
}

// AlertResolvedEvent is emitted when an operator or the system resolves an alert.
type AlertResolvedEvent struct {
	baseEvent
	AlertID string
}

// NewAlertResolvedEvent creates an AlertResolvedEvent.
func NewAlertResolvedEvent(alertID string) AlertResolvedEvent {
	return AlertResolvedEvent{baseEvent: newBaseEvent(TypeAlertResolved), AlertID: alertID}
}

// ErrorHandledEvent is emitted when the error corrector settles an occurrence.
type ErrorHandledEvent struct {
	baseEvent
	OccurrenceID string
	PatternID    string
	TaskID       string
	WorkerID     string
	Status       string
	Attempts     int
}

// NewErrorHandledEvent creates an ErrorHandledEvent.
func NewErrorHandledEvent(occurrenceID, patternID, taskID, workerID, status string, attempts int) ErrorHandledEvent {
	return ErrorHandledEvent{
		baseEvent:    newBaseEvent(TypeErrorHandled),
		OccurrenceID: occurrenceID,
		PatternID:    patternID,
		TaskID:       taskID,
		WorkerID:     workerID,
		Status:       status,
		Attempts:     attempts,
	}
}

// ConfigReloadedEvent is emitted after a configuration file change was applied.
type ConfigReloadedEvent struct {
	baseEvent
	Path string
}

// NewConfigReloadedEvent creates a ConfigReloadedEvent.
func NewConfigReloadedEvent(path string) ConfigReloadedEvent {
	return ConfigReloadedEvent{baseEvent: newBaseEvent(TypeConfigReloaded), Path: path}
}
