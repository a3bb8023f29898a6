package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a message variant on the wire.
type Kind string

const (
	KindRegisterRequest Kind = "register_request"
	KindRegisterAck     Kind = "register_ack"
	KindAssignTask      Kind = "assign_task"
	KindCancelTask      Kind = "cancel_task"
	KindStatusReport    Kind = "status_report"
	KindHeartbeat       Kind = "heartbeat"
	KindSystemEvent     Kind = "system_event"
)

// Message is the closed set of variants exchanged between the coordinator
// and workers. Handlers switch on the concrete type.
type Message interface {
	Kind() Kind
	sealed()
}

// RegisterRequest announces a worker. It is idempotent.
type RegisterRequest struct {
	WorkerID           string   `json:"worker_id"`
	WorkerType         string   `json:"worker_type"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty"`
	// Workspace is the worker's checkout, watched for undeclared edits.
	Workspace string `json:"workspace,omitempty"`
}

// RegisterAck answers a RegisterRequest.
type RegisterAck struct {
	WorkerID                 string `json:"worker_id"`
	Accepted                 bool   `json:"accepted"`
	Reason                   string `json:"reason,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// Files lists the files a task will touch.
type Files struct {
	Modify []string `json:"modify,omitempty"`
	Create []string `json:"create,omitempty"`
	Delete []string `json:"delete,omitempty"`
}

// AssignTask hands a task to a worker. Delivery is fire-and-forget; the
// outcome arrives later as StatusReport messages.
type AssignTask struct {
	TaskID           string   `json:"task_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	TaskKind         string   `json:"task_kind"`
	Priority         string   `json:"priority"`
	RequiredSkills   []string `json:"required_skills,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
	Files            Files    `json:"files"`
}

// CancelTask asks a worker to stop a task. Best effort.
type CancelTask struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// Task statuses a worker may report.
const (
	ReportInProgress = "in_progress"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"
	ReportBlocked    = "blocked"
	ReportCancelled  = "cancelled"
)

// StatusReport carries a worker's progress or result for a task.
type StatusReport struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
	// Artifacts are references to the produced work (paths, commits, URLs)
	// evaluated by the quality gate on completion.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Heartbeat is sent periodically by every worker.
type Heartbeat struct {
	WorkerID       string  `json:"worker_id"`
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	ErrorCount     int     `json:"error_count"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

// SystemEvent is broadcast to workers for escalations and alerts.
type SystemEvent struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Data    map[string]string `json:"data,omitempty"`
}

func (RegisterRequest) Kind() Kind { return KindRegisterRequest }
func (RegisterAck) Kind() Kind     { return KindRegisterAck }
func (AssignTask) Kind() Kind      { return KindAssignTask }
func (CancelTask) Kind() Kind      { return KindCancelTask }
func (StatusReport) Kind() Kind    { return KindStatusReport }
func (Heartbeat) Kind() Kind       { return KindHeartbeat }
func (SystemEvent) Kind() Kind     { return KindSystemEvent }

func (RegisterRequest) sealed() {}
func (RegisterAck) sealed()     {}
func (AssignTask) sealed()      {}
func (CancelTask) sealed()      {}
func (StatusReport) sealed()    {}
func (Heartbeat) sealed()       {}
func (SystemEvent) sealed()     {}

// Envelope is the addressed, serializable form of a Message.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload"`
}

// Seal wraps msg in an Envelope addressed from → to.
func Seal(from, to string, msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("transport: nil message")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: marshal %s: %w", msg.Kind(), err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Kind:    msg.Kind(),
		From:    from,
		To:      to,
		SentAt:  time.Now(),
		Payload: payload,
	}, nil
}

// Open decodes the envelope's payload into its concrete variant.
func (e Envelope) Open() (Message, error) {
	var (
		msg Message
		err error
	)
	switch e.Kind {
	case KindRegisterRequest:
		msg, err = decode[RegisterRequest](e.Payload)
	case KindRegisterAck:
		msg, err = decode[RegisterAck](e.Payload)
	case KindAssignTask:
		msg, err = decode[AssignTask](e.Payload)
	case KindCancelTask:
		msg, err = decode[CancelTask](e.Payload)
	case KindStatusReport:
		msg, err = decode[StatusReport](e.Payload)
	case KindHeartbeat:
		msg, err = decode[Heartbeat](e.Payload)
	case KindSystemEvent:
		msg, err = decode[SystemEvent](e.Payload)
	default:
		return nil, fmt.Errorf("transport: unknown message kind %q", e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: decode %s: %w", e.Kind, err)
	}
	return msg, nil
}

func decode[T Message](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
