// Package errors provides centralized error definitions and error handling
// utilities for taskmesh. It defines domain-specific errors for each part of
// the coordination core, semantic error types, and classification helpers
// the coordinator uses to decide between retrying, reassigning and
// escalating.
//
// # Error Types
//
// Domain-specific errors:
//   - WorkerError: registry and worker contract failures
//   - TaskError: task lifecycle and assignment failures
//   - ConflictError: conflict analysis and resolution failures
//   - QualityError: quality gate and verifier failures
//   - CorrectionError: automatic error correction failures
//
// Semantic errors:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewTaskError("cannot assign task", errors.ErrDependencyNotMet).
//		WithTaskID("t-1").WithStatus("pending")
//
//	if errors.Is(err, errors.ErrDependencyNotMet) { ... }
//
//	var taskErr *errors.TaskError
//	if errors.As(err, &taskErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Worker-related sentinel errors
var (
	// ErrWorkerNotFound indicates that a worker is not registered.
	ErrWorkerNotFound = New("worker not found")
	// ErrWorkerOffline indicates that a worker missed its heartbeats.
	ErrWorkerOffline = New("worker offline")
	// ErrWorkerSaturated indicates that a worker cannot accept more work.
	ErrWorkerSaturated = New("worker at capacity")
)

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrTaskExists indicates that a task ID is already in use.
	ErrTaskExists = New("task already exists")
	// ErrInvalidTransition indicates an illegal task status change.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDependencyNotMet indicates that a task has incomplete dependencies.
	ErrDependencyNotMet = New("dependencies not completed")
	// ErrNoEligibleWorker indicates that no worker can take a task right now.
	ErrNoEligibleWorker = New("no eligible worker")
	// ErrTaskBlocked indicates that a task is blocked.
	ErrTaskBlocked = New("task is blocked")
)

// Conflict-related sentinel errors
var (
	// ErrConflictNotFound indicates that a conflict could not be found.
	ErrConflictNotFound = New("conflict not found")
	// ErrResolutionInvalid indicates that a resolution failed validation.
	ErrResolutionInvalid = New("resolution failed validation")
	// ErrLowConfidence indicates that a resolution is below the auto-apply threshold.
	ErrLowConfidence = New("confidence below auto-resolve threshold")
	// ErrBackupFailed indicates that a pre-resolution backup could not be created.
	ErrBackupFailed = New("backup failed")
)

// Quality and correction sentinel errors
var (
	// ErrQualityGateFailed indicates that a task failed its quality gate.
	ErrQualityGateFailed = New("quality gate failed")
	// ErrVerifierFailed indicates that a verifier could not run.
	ErrVerifierFailed = New("verifier failed")
	// ErrPatternNotFound indicates that no error pattern matched a failure.
	ErrPatternNotFound = New("no matching error pattern")
	// ErrRetriesExhausted indicates that a bounded retry loop hit its limit.
	ErrRetriesExhausted = New("retries exhausted")
	// ErrEscalated indicates that an item was handed off to manual review.
	ErrEscalated = New("escalated for manual intervention")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotRunning indicates that a component was used before Start.
	ErrNotRunning = New("not running")
)

// -----------------------------------------------------------------------------
// Base Error
// -----------------------------------------------------------------------------

// MeshError is the interface implemented by every error type in this package.
type MeshError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
	IsUserFacing() bool
}

type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func newBase(message string, cause error) baseError {
	return baseError{
		message:    message,
		cause:      cause,
		severity:   SeverityError,
		userFacing: true,
	}
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsUserFacing() bool { return e.userFacing }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// WorkerError represents errors related to worker registration and liveness.
//
// Example:
//
//	err := errors.NewWorkerError("heartbeat rejected", errors.ErrWorkerNotFound).WithWorkerID("w-1")
//	fmt.Println(err) // "worker error [worker=w-1]: heartbeat rejected: worker not found"
type WorkerError struct {
	baseError
	WorkerID string
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{baseError: newBase(message, cause)}
}

// WithWorkerID adds a worker ID to the error context.
func (e *WorkerError) WithWorkerID(id string) *WorkerError {
	e.WorkerID = id
	return e
}

// WithSeverity sets the error severity.
func (e *WorkerError) WithSeverity(s Severity) *WorkerError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *WorkerError) WithRetryable(r bool) *WorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, "worker="+e.WorkerID)
	}
	return e.format("worker error", parts)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TaskError represents errors in the task lifecycle: submission, assignment
// and status transitions.
//
// Example:
//
//	err := errors.NewTaskError("cannot start task", errors.ErrInvalidTransition).
//		WithTaskID("t-1").WithStatus("completed")
type TaskError struct {
	baseError
	TaskID   string
	WorkerID string
	Status   string
}

// NewTaskError creates a new TaskError.
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{baseError: newBase(message, cause)}
}

// WithTaskID adds a task ID to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithWorkerID adds the worker involved to the error context.
func (e *TaskError) WithWorkerID(id string) *TaskError {
	e.WorkerID = id
	return e
}

// WithStatus adds the task's status at the time of failure.
func (e *TaskError) WithStatus(status string) *TaskError {
	e.Status = status
	return e
}

// WithSeverity sets the error severity.
func (e *TaskError) WithSeverity(s Severity) *TaskError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TaskError) WithRetryable(r bool) *TaskError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.WorkerID != "" {
		parts = append(parts, "worker="+e.WorkerID)
	}
	if e.Status != "" {
		parts = append(parts, "status="+e.Status)
	}
	return e.format("task error", parts)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError represents errors raised while analyzing or resolving a
// conflict.
type ConflictError struct {
	baseError
	ConflictID string
	Files      []string
	Confidence int
}

// NewConflictError creates a new ConflictError.
func NewConflictError(message string, cause error) *ConflictError {
	return &ConflictError{
		baseError:  newBase(message, cause),
		Confidence: -1,
	}
}

// WithConflictID adds a conflict ID to the error context.
func (e *ConflictError) WithConflictID(id string) *ConflictError {
	e.ConflictID = id
	return e
}

// WithFiles adds the conflicting files to the error context.
func (e *ConflictError) WithFiles(files ...string) *ConflictError {
	e.Files = append(e.Files, files...)
	return e
}

// WithConfidence records the confidence of the rejected resolution.
func (e *ConflictError) WithConfidence(c int) *ConflictError {
	e.Confidence = c
	return e
}

// WithSeverity sets the error severity.
func (e *ConflictError) WithSeverity(s Severity) *ConflictError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	var parts []string
	if e.ConflictID != "" {
		parts = append(parts, "conflict="+e.ConflictID)
	}
	if len(e.Files) > 0 {
		parts = append(parts, "files="+strings.Join(e.Files, "|"))
	}
	if e.Confidence >= 0 {
		parts = append(parts, fmt.Sprintf("confidence=%d", e.Confidence))
	}
	return e.format("conflict error", parts)
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// QualityError represents quality gate failures and verifier errors.
type QualityError struct {
	baseError
	TaskID   string
	Verifier string
	Score    float64
}

// NewQualityError creates a new QualityError.
func NewQualityError(message string, cause error) *QualityError {
	return &QualityError{
		baseError: newBase(message, cause),
		Score:     -1,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *QualityError) WithTaskID(id string) *QualityError {
	e.TaskID = id
	return e
}

// WithVerifier names the verifier that produced the error.
func (e *QualityError) WithVerifier(name string) *QualityError {
	e.Verifier = name
	return e
}

// WithScore records the aggregate score of the failed gate.
func (e *QualityError) WithScore(score float64) *QualityError {
	e.Score = score
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *QualityError) WithRetryable(r bool) *QualityError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *QualityError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, "task="+e.TaskID)
	}
	if e.Verifier != "" {
		parts = append(parts, "verifier="+e.Verifier)
	}
	if e.Score >= 0 {
		parts = append(parts, fmt.Sprintf("score=%.1f", e.Score))
	}
	return e.format("quality error", parts)
}

// Is checks if this error matches the target.
func (e *QualityError) Is(target error) bool {
	if _, ok := target.(*QualityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CorrectionError represents failures of the automatic error corrector.
type CorrectionError struct {
	baseError
	OccurrenceID string
	PatternID    string
	Step         string
	Attempts     int
}

// NewCorrectionError creates a new CorrectionError.
func NewCorrectionError(message string, cause error) *CorrectionError {
	return &CorrectionError{baseError: newBase(message, cause)}
}

// WithOccurrenceID adds the error occurrence ID to the error context.
func (e *CorrectionError) WithOccurrenceID(id string) *CorrectionError {
	e.OccurrenceID = id
	return e
}

// WithPatternID adds the matched pattern ID to the error context.
func (e *CorrectionError) WithPatternID(id string) *CorrectionError {
	e.PatternID = id
	return e
}

// WithStep names the resolution step that failed.
func (e *CorrectionError) WithStep(step string) *CorrectionError {
	e.Step = step
	return e
}

// WithAttempts records how many correction attempts were made.
func (e *CorrectionError) WithAttempts(n int) *CorrectionError {
	e.Attempts = n
	return e
}

// WithSeverity sets the error severity.
func (e *CorrectionError) WithSeverity(s Severity) *CorrectionError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *CorrectionError) WithRetryable(r bool) *CorrectionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *CorrectionError) Error() string {
	var parts []string
	if e.OccurrenceID != "" {
		parts = append(parts, "occurrence="+e.OccurrenceID)
	}
	if e.PatternID != "" {
		parts = append(parts, "pattern="+e.PatternID)
	}
	if e.Step != "" {
		parts = append(parts, "step="+e.Step)
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	return e.format("correction error", parts)
}

// Is checks if this error matches the target.
func (e *CorrectionError) Is(target error) bool {
	if _, ok := target.(*CorrectionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Timeouts are retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var meshErr MeshError
	if As(err, &meshErr) {
		return meshErr.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
