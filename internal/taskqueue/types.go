package taskqueue

import (
	"slices"
	"time"
)

// Priority is a task's declared urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Base returns the priority's base score.
func (p Priority) Base() int {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 750
	case PriorityMedium:
		return 500
	case PriorityLow:
		return 250
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p.Base() > 0
}

// Status represents the current state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting for a worker.
	StatusPending Status = "pending"

	// StatusAssigned indicates a worker has been chosen but has not yet
	// reported progress.
	StatusAssigned Status = "assigned"

	// StatusInProgress indicates the worker is executing the task.
	StatusInProgress Status = "in_progress"

	// StatusBlocked indicates the task is parked outside the active queue
	// until it is unblocked or its block expires.
	StatusBlocked Status = "blocked"

	// StatusCompleted indicates the task finished and passed its quality gate.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the worker reported a failure.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was withdrawn by a caller.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the task status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsActive returns true while a worker holds the task.
func (s Status) IsActive() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// transitions is the legal status graph.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusBlocked, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusPending, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusBlocked, StatusPending, StatusCancelled},
	StatusBlocked:    {StatusPending, StatusCancelled},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// FileSet lists the files a task intends to touch.
type FileSet struct {
	Modify []string `json:"modify,omitempty"`
	Create []string `json:"create,omitempty"`
	Delete []string `json:"delete,omitempty"`
}

// All returns every file in the set without duplicates.
func (f FileSet) All() []string {
	var out []string
	for _, group := range [][]string{f.Modify, f.Create, f.Delete} {
		for _, p := range group {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// Empty reports whether the set names no files.
func (f FileSet) Empty() bool {
	return len(f.Modify) == 0 && len(f.Create) == 0 && len(f.Delete) == 0
}

// Requirements are the quality constraints a task must satisfy.
type Requirements struct {
	// MinScore is the minimum aggregate gate score. Zero means the gate default.
	MinScore float64 `json:"min_score,omitempty"`
	// TestCoverageMin is the minimum test coverage percentage.
	TestCoverageMin float64 `json:"test_coverage_min,omitempty"`
	// SecurityReviewRequired fails the gate on any security error.
	SecurityReviewRequired bool `json:"security_review_required,omitempty"`
}

// Task is a unit of work tracked by the queue.
type Task struct {
	ID               string       `json:"id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Kind             string       `json:"kind"`
	Priority         Priority     `json:"priority"`
	Status           Status       `json:"status"`
	AssignedWorkerID string       `json:"assigned_worker_id,omitempty"`
	RequiredSkills   []string     `json:"required_skills,omitempty"`
	EstimatedMinutes int          `json:"estimated_minutes,omitempty"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	Files            FileSet      `json:"files"`
	Quality          Requirements `json:"quality"`

	// Score is the priority score at the last refresh.
	Score int `json:"score"`

	// Attempts counts failed assignment attempts in the current window.
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`

	BlockedReason string    `json:"blocked_reason,omitempty"`
	BlockedUntil  time.Time `json:"blocked_until,omitzero"`

	LastError string   `json:"last_error,omitempty"`
	Progress  int      `json:"progress"`
	Result    []string `json:"result,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// clone returns a deep copy safe to hand to callers.
func (t *Task) clone() Task {
	cp := *t
	cp.RequiredSkills = slices.Clone(t.RequiredSkills)
	cp.Dependencies = slices.Clone(t.Dependencies)
	cp.Result = slices.Clone(t.Result)
	cp.Files = FileSet{
		Modify: slices.Clone(t.Files.Modify),
		Create: slices.Clone(t.Files.Create),
		Delete: slices.Clone(t.Files.Delete),
	}
	return cp
}

// Counts is a snapshot of the queue's current state counts.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Assigned   int `json:"assigned"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
