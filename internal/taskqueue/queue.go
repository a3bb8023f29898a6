package taskqueue

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/registry"
)

// Defaults for retry bookkeeping.
const (
	DefaultMaxAttempts   = 3
	DefaultBlockDuration = 30 * time.Minute
	DefaultCooldown      = time.Hour
	DefaultAttemptWindow = 5 * time.Minute
)

// CooldownReason is the BlockedReason of tasks parked after too many
// failed assignment attempts.
const CooldownReason = "max assignment attempts reached"

// Queue manages tasks with priority-ordered, dependency-aware assignment.
// Pending tasks live in an ordered set keyed by priority score; every
// other status is tracked only in the task map.
// All methods are safe for concurrent use via an internal mutex.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	active  *treeset.Set
	entries map[string]entry
	seq     uint64

	kinds         KindTable
	maxAttempts   int
	blockDuration time.Duration
	cooldown      time.Duration
	attemptWindow time.Duration
	now           func() time.Time
	logger        *logging.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) { q.logger = l.WithComponent("taskqueue") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithKindTable replaces the kind → worker type mapping.
func WithKindTable(kt KindTable) Option {
	return func(q *Queue) { q.kinds = kt }
}

// WithMaxAttempts sets how many assignment failures trigger a cooldown.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBlockDuration sets the default length of a Block without deadline.
func WithBlockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.blockDuration = d
		}
	}
}

// WithCooldown sets how long a task stays blocked after too many attempts.
func WithCooldown(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.cooldown = d
		}
	}
}

// WithAttemptWindow sets the age after which attempt counters reset.
func WithAttemptWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.attemptWindow = d
		}
	}
}

// New creates an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		tasks:         make(map[string]*Task),
		active:        treeset.NewWith(byPriority),
		entries:       make(map[string]entry),
		kinds:         DefaultKindTable(),
		maxAttempts:   DefaultMaxAttempts,
		blockDuration: DefaultBlockDuration,
		cooldown:      DefaultCooldown,
		attemptWindow: DefaultAttemptWindow,
		now:           time.Now,
		logger:        logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Kinds returns the queue's kind table.
func (q *Queue) Kinds() KindTable {
	return q.kinds
}

// Enqueue validates t and adds it as pending. Dependencies must name tasks
// already known to the queue.
func (q *Queue) Enqueue(t Task) (Task, error) {
	if t.ID == "" {
		return Task{}, errors.NewValidationError("task id is required").WithField("id")
	}
	if !t.Priority.Valid() {
		return Task{}, errors.NewValidationError("unknown priority").WithField("priority").WithValue(t.Priority)
	}
	if t.EstimatedMinutes < 0 {
		return Task{}, errors.NewValidationError("estimate must be non-negative").WithField("estimated_minutes").WithValue(t.EstimatedMinutes)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrTaskExists, t.ID)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return Task{}, errors.NewValidationError("task depends on itself").WithField("dependencies").WithValue(dep)
		}
		if _, ok := q.tasks[dep]; !ok {
			return Task{}, errors.NewValidationError("unknown dependency").WithField("dependencies").WithValue(dep).
				WithCause(errors.ErrTaskNotFound)
		}
	}

	now := q.now()
	task := t.clone()
	task.Status = StatusPending
	task.AssignedWorkerID = ""
	task.Attempts = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	q.tasks[task.ID] = &task
	q.activate(&task, now)

	q.logger.Info("task enqueued",
		"task_id", task.ID,
		"priority", task.Priority,
		"score", task.Score,
	)
	return task.clone(), nil
}

// activate inserts t into the ordered set. Must be called with q.mu held.
func (q *Queue) activate(t *Task, now time.Time) {
	q.deactivate(t.ID)
	t.Score = PriorityScore(*t, now)
	q.seq++
	e := entry{id: t.ID, score: t.Score, seq: q.seq}
	q.entries[t.ID] = e
	q.active.Add(e)
}

// deactivate removes id from the ordered set. Must be called with q.mu held.
func (q *Queue) deactivate(id string) {
	if e, ok := q.entries[id]; ok {
		q.active.Remove(e)
		delete(q.entries, id)
	}
}

// dependenciesMet reports whether every dependency of t is completed.
// Must be called with q.mu held.
func (q *Queue) dependenciesMet(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Ready returns pending tasks whose dependencies are complete, in
// priority order.
func (q *Queue) Ready() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	it := q.active.Iterator()
	for it.Next() {
		t := q.tasks[it.Value().(entry).id]
		if q.dependenciesMet(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Pending returns all pending tasks in priority order.
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, q.active.Size())
	it := q.active.Iterator()
	for it.Next() {
		out = append(out, q.tasks[it.Value().(entry).id].clone())
	}
	return out
}

// DequeueFor assigns the highest priority task w can take and returns it.
// Nothing is returned when w is saturated or no task qualifies.
func (q *Queue) DequeueFor(w registry.Worker) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.CurrentLoad >= SaturatedLoad {
		return Task{}, false
	}
	it := q.active.Iterator()
	for it.Next() {
		t := q.tasks[it.Value().(entry).id]
		if !q.dependenciesMet(t) || !q.kinds.Eligible(*t, w) {
			continue
		}
		q.assign(t, w.ID)
		return t.clone(), true
	}
	return Task{}, false
}

// Assign moves a pending task to assigned on workerID.
func (q *Queue) Assign(taskID, workerID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusPending {
		return Task{}, fmt.Errorf("%w: cannot assign task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	if !q.dependenciesMet(t) {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrDependencyNotMet, taskID)
	}
	q.assign(t, workerID)
	return t.clone(), nil
}

// must be called with q.mu held
func (q *Queue) assign(t *Task, workerID string) {
	q.deactivate(t.ID)
	t.Status = StatusAssigned
	t.AssignedWorkerID = workerID
	t.Attempts = 0
	t.UpdatedAt = q.now()
}

// Transition moves a task along the legal status graph and returns the
// updated task and the previous status. Assignment goes through Assign,
// blocking through Block.
func (q *Queue) Transition(taskID string, to Status, reason string) (Task, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transition(taskID, to, reason)
}

// must be called with q.mu held
func (q *Queue) transition(taskID string, to Status, reason string) (Task, Status, error) {
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, "", fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	from := t.Status
	if to == StatusAssigned || to == StatusBlocked {
		return Task{}, from, fmt.Errorf("%w: use Assign or Block to move %s to %s", errors.ErrInvalidTransition, taskID, to)
	}
	if !CanTransition(from, to) {
		return Task{}, from, fmt.Errorf("%w: cannot transition %s from %s to %s", errors.ErrInvalidTransition, taskID, from, to)
	}

	now := q.now()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusPending:
		t.AssignedWorkerID = ""
		t.BlockedReason = ""
		t.BlockedUntil = time.Time{}
		t.Progress = 0
		q.activate(t, now)
	case StatusInProgress:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case StatusCompleted:
		t.CompletedAt = now
		t.Progress = 100
	case StatusFailed:
		t.LastError = reason
	case StatusCancelled:
		q.deactivate(t.ID)
		t.LastError = reason
	}

	q.logger.Debug("task transitioned",
		"task_id", taskID,
		"from", from,
		"to", to,
		"reason", reason,
	)
	return t.clone(), from, nil
}

// UpdateProgress records worker-reported progress and artifacts.
func (q *Queue) UpdateProgress(taskID string, progress int, result []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if progress >= 0 {
		t.Progress = min(progress, 100)
	}
	if len(result) > 0 {
		t.Result = slices.Clone(result)
	}
	t.UpdatedAt = q.now()
	return nil
}

// Block moves a pending or in-progress task out of the active set until
// the given time. A zero until uses the default block duration.
func (q *Queue) Block(taskID, reason string, until time.Time) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.block(taskID, reason, until)
}

// must be called with q.mu held
func (q *Queue) block(taskID, reason string, until time.Time) (Task, error) {
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if !CanTransition(t.Status, StatusBlocked) {
		return Task{}, fmt.Errorf("%w: cannot block task %s in status %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	now := q.now()
	if until.IsZero() {
		until = now.Add(q.blockDuration)
	}
	q.deactivate(taskID)
	t.Status = StatusBlocked
	t.AssignedWorkerID = ""
	t.BlockedReason = reason
	t.BlockedUntil = until
	t.UpdatedAt = now

	q.logger.Info("task blocked", "task_id", taskID, "reason", reason, "until", until)
	return t.clone(), nil
}

// Unblock returns a blocked task to the active set.
func (q *Queue) Unblock(taskID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unblock(taskID, q.now())
}

// must be called with q.mu held
func (q *Queue) unblock(taskID string, now time.Time) (Task, error) {
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusBlocked {
		return Task{}, fmt.Errorf("%w: task %s is %s, not blocked", errors.ErrInvalidTransition, taskID, t.Status)
	}
	if t.BlockedReason == CooldownReason {
		t.Attempts = 0
	}
	t.Status = StatusPending
	t.BlockedReason = ""
	t.BlockedUntil = time.Time{}
	t.UpdatedAt = now
	q.activate(t, now)
	return t.clone(), nil
}

// RecordAssignmentFailure counts a failed attempt to place a task. When
// the count reaches the configured maximum the task is blocked for the
// cooldown period and true is returned.
func (q *Queue) RecordAssignmentFailure(taskID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	now := q.now()
	t.Attempts++
	t.LastAttemptAt = now
	t.LastError = reason
	if t.Attempts < q.maxAttempts {
		return false, nil
	}
	if _, err := q.block(taskID, CooldownReason, now.Add(q.cooldown)); err != nil {
		return false, err
	}
	return true, nil
}

// SweepResult reports what SweepBlocked changed.
type SweepResult struct {
	Unblocked     []string
	AttemptsReset []string
}

// SweepBlocked unblocks tasks whose block has expired, resets stale
// attempt counters and refreshes pending scores so urgency tracks age.
func (q *Queue) SweepBlocked(now time.Time) SweepResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var res SweepResult
	for _, id := range q.sortedIDs() {
		t := q.tasks[id]
		switch t.Status {
		case StatusBlocked:
			if !t.BlockedUntil.IsZero() && !now.Before(t.BlockedUntil) {
				if _, err := q.unblock(id, now); err == nil {
					res.Unblocked = append(res.Unblocked, id)
				}
			}
		case StatusPending:
			if t.Attempts > 0 && now.Sub(t.LastAttemptAt) > q.attemptWindow {
				t.Attempts = 0
				res.AttemptsReset = append(res.AttemptsReset, id)
			}
		}
	}
	q.refresh(now)
	return res
}

// RefreshScores recomputes every pending task's score.
func (q *Queue) RefreshScores(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refresh(now)
}

// must be called with q.mu held
func (q *Queue) refresh(now time.Time) {
	ids := make([]string, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	// Rebuild in previous order so equal scores keep submission order.
	sort.Slice(ids, func(i, j int) bool { return q.entries[ids[i]].seq < q.entries[ids[j]].seq })
	for _, id := range ids {
		q.activate(q.tasks[id], now)
	}
}

// Cancel withdraws a task that is not yet held by a worker. Tasks held by
// a worker must be cancelled through Transition once the worker has been
// signalled.
func (q *Queue) Cancel(taskID, reason string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.Status != StatusPending && t.Status != StatusBlocked {
		return Task{}, fmt.Errorf("%w: task %s is %s", errors.ErrInvalidTransition, taskID, t.Status)
	}
	task, _, err := q.transition(taskID, StatusCancelled, reason)
	return task, err
}

// Get returns a copy of the task.
func (q *Queue) Get(taskID string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns copies of all tasks ordered by creation time.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns the tasks currently held by workers.
func (q *Queue) Active() []Task {
	var out []Task
	for _, t := range q.List() {
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	return out
}

// Counts returns a snapshot of the task population by status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := Counts{Total: len(q.tasks)}
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusAssigned:
			c.Assigned++
		case StatusInProgress:
			c.InProgress++
		case StatusBlocked:
			c.Blocked++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Dependents returns the IDs of tasks that list taskID as a dependency.
func (q *Queue) Dependents(taskID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, id := range q.sortedIDs() {
		if slices.Contains(q.tasks[id].Dependencies, taskID) {
			out = append(out, id)
		}
	}
	return out
}

// UnblockedBy returns pending tasks that depend on taskID and whose
// dependencies are now all completed.
func (q *Queue) UnblockedBy(taskID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	it := q.active.Iterator()
	for it.Next() {
		t := q.tasks[it.Value().(entry).id]
		if slices.Contains(t.Dependencies, taskID) && q.dependenciesMet(t) {
			out = append(out, t.ID)
		}
	}
	return out
}

// must be called with q.mu held
func (q *Queue) sortedIDs() []string {
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
