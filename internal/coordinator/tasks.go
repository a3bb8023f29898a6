package coordinator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/taskmesh/internal/correction"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/quality"
	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// TaskSpec is what callers submit. ID is generated when empty; Priority
// defaults to medium and Kind to general.
type TaskSpec struct {
	ID               string                 `json:"id,omitempty"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description,omitempty"`
	Kind             string                 `json:"kind,omitempty"`
	Priority         taskqueue.Priority     `json:"priority,omitempty"`
	RequiredSkills   []string               `json:"required_skills,omitempty"`
	EstimatedMinutes int                    `json:"estimated_minutes,omitempty"`
	Dependencies     []string               `json:"dependencies,omitempty"`
	Files            taskqueue.FileSet      `json:"files"`
	Quality          taskqueue.Requirements `json:"quality"`
}

// TaskStatus is a task with what the coordinator knows about it beyond
// the queue: the last gate verdict, the last correction and the conflicts
// it is involved in.
type TaskStatus struct {
	Task       taskqueue.Task     `json:"task"`
	Quality    *quality.Result    `json:"quality,omitempty"`
	Correction *correction.Result `json:"correction,omitempty"`
	Conflicts  []string           `json:"conflicts,omitempty"`
	Bounces    int                `json:"quality_bounces,omitempty"`
}

// SubmitTask validates spec, enqueues it and tries to place it right away.
// A task with unfinished dependencies stays pending until they complete.
func (c *Coordinator) SubmitTask(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Title == "" {
		return "", errors.NewValidationError("task title is required").WithField("title")
	}
	t := taskqueue.Task{
		ID:               spec.ID,
		Title:            spec.Title,
		Description:      spec.Description,
		Kind:             spec.Kind,
		Priority:         spec.Priority,
		RequiredSkills:   slices.Clone(spec.RequiredSkills),
		EstimatedMinutes: spec.EstimatedMinutes,
		Dependencies:     slices.Clone(spec.Dependencies),
		Files:            spec.Files,
		Quality:          spec.Quality,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = taskqueue.GeneralKind
	}
	if t.Priority == "" {
		t.Priority = taskqueue.PriorityMedium
	}

	fx := &effects{}
	c.mu.Lock()
	task, err := c.queue.Enqueue(t)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	fx.publish(event.NewTaskSubmittedEvent(task.ID, task.Title, task.Kind, string(task.Priority), task.Score))
	c.place(task, true, fx)
	c.mu.Unlock()

	c.apply(ctx, fx)
	return task.ID, nil
}

// GetTaskStatus returns a snapshot of one task.
func (c *Coordinator) GetTaskStatus(taskID string) (TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.queue.Get(taskID)
	if !ok {
		return TaskStatus{}, errors.NewNotFoundError("task", taskID).WithCause(errors.ErrTaskNotFound)
	}
	st := TaskStatus{Task: t, Bounces: c.bounces[taskID]}
	if r, ok := c.results[taskID]; ok {
		st.Quality = &r
	}
	if r, ok := c.corrections[taskID]; ok {
		st.Correction = &r
	}
	for _, cf := range c.resolver.List() {
		if slices.Contains(cf.Tasks, taskID) {
			st.Conflicts = append(st.Conflicts, cf.ID)
		}
	}
	return st, nil
}

// Tasks returns a snapshot of every task in creation order.
func (c *Coordinator) Tasks() []taskqueue.Task {
	return c.queue.List()
}

// CancelTask withdraws a task. Pending and blocked tasks are cancelled at
// once. A task held by a worker is signalled with a CancelTask message and
// reclaimed when the worker confirms, goes offline, or the grace period
// runs out.
func (c *Coordinator) CancelTask(ctx context.Context, taskID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}
	fx := &effects{}
	c.mu.Lock()
	t, ok := c.queue.Get(taskID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	switch {
	case t.Status == taskqueue.StatusPending || t.Status == taskqueue.StatusBlocked:
		task, err := c.queue.Cancel(taskID, reason)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		fx.publish(event.NewTaskStatusChangedEvent(taskID, "", string(t.Status), string(task.Status), reason))
	case t.Status.IsActive():
		if _, pending := c.cancelling[taskID]; !pending {
			req := &cancelRequest{workerID: t.AssignedWorkerID, reason: reason}
			c.cancelling[taskID] = req
			grace := c.settings.CancelGrace()
			if grace <= 0 {
				grace = defaultCancelGrace
			}
			req.timer = time.AfterFunc(grace, func() { c.reclaimCancelled(taskID, req) })
			fx.send(t.AssignedWorkerID, transport.CancelTask{TaskID: taskID, Reason: reason})
			c.logger.Info("cancellation requested", "task_id", taskID, "worker_id", t.AssignedWorkerID, "grace", grace)
		}
	default:
		c.mu.Unlock()
		return errors.NewTaskError("task cannot be cancelled", errors.ErrInvalidTransition).
			WithTaskID(taskID).WithStatus(string(t.Status))
	}
	c.mu.Unlock()

	c.apply(ctx, fx)
	return nil
}

// reclaimCancelled runs when a worker did not confirm a cancellation in
// time.
func (c *Coordinator) reclaimCancelled(taskID string, req *cancelRequest) {
	fx := &effects{}
	c.mu.Lock()
	if c.stopped || c.cancelling[taskID] != req {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("cancellation not confirmed, reclaiming", "task_id", taskID, "worker_id", req.workerID)
	c.finishCancel(taskID, req.reason+" (reclaimed after grace period)", fx)
	c.fill(req.workerID, fx)
	c.mu.Unlock()
	c.apply(c.workCtx, fx)
}

// finishCancel moves a task held by a worker to cancelled and frees the
// worker's slot.
// must be called with c.mu held
func (c *Coordinator) finishCancel(taskID, reason string, fx *effects) {
	req, ok := c.cancelling[taskID]
	if !ok {
		return
	}
	delete(c.cancelling, taskID)
	if req.timer != nil {
		req.timer.Stop()
	}
	c.registry.DetachTask(req.workerID, taskID)
	t, from, err := c.queue.Transition(taskID, taskqueue.StatusCancelled, reason)
	if err != nil {
		c.logger.Debug("cancel transition skipped", "task_id", taskID, "error", err)
		return
	}
	fx.publish(event.NewTaskStatusChangedEvent(taskID, req.workerID, string(from), string(t.Status), reason))
}

// place tries to assign one pending task using the strategy. When
// countFailure is set, finding no worker counts against the task's
// assignment attempts.
// must be called with c.mu held
func (c *Coordinator) place(t taskqueue.Task, countFailure bool, fx *effects) bool {
	if t.Status != taskqueue.StatusPending || !c.dependenciesMet(t) {
		return false
	}
	var candidates []registry.Worker
	for _, w := range c.registry.Online() {
		if c.queue.Kinds().Eligible(t, w) {
			candidates = append(candidates, w)
		}
	}
	i := -1
	if len(candidates) > 0 {
		i = c.strategy.Select(t, candidates)
	}
	if i < 0 {
		if countFailure {
			c.noteAssignmentFailure(t.ID, errors.ErrNoEligibleWorker.Error(), fx)
		}
		return false
	}
	return c.assign(t.ID, candidates[i], fx)
}

// must be called with c.mu held
func (c *Coordinator) dependenciesMet(t taskqueue.Task) bool {
	for _, dep := range t.Dependencies {
		if d, ok := c.queue.Get(dep); !ok || d.Status != taskqueue.StatusCompleted {
			return false
		}
	}
	return true
}

// assign hands taskID to w, records conflicts with tasks already in flight
// and queues the AssignTask message.
// must be called with c.mu held
func (c *Coordinator) assign(taskID string, w registry.Worker, fx *effects) bool {
	if _, err := c.registry.AttachTask(w.ID, taskID); err != nil {
		c.logger.Debug("attach failed", "task_id", taskID, "worker_id", w.ID, "error", err)
		return false
	}
	t, err := c.queue.Assign(taskID, w.ID)
	if err != nil {
		c.registry.DetachTask(w.ID, taskID)
		c.logger.Debug("assign failed", "task_id", taskID, "worker_id", w.ID, "error", err)
		return false
	}
	c.dispatch(t, fx)
	return true
}

// dispatch announces an assignment that the queue has already recorded.
// must be called with c.mu held
func (c *Coordinator) dispatch(t taskqueue.Task, fx *effects) {
	fx.publish(
		event.NewTaskAssignedEvent(t.ID, t.AssignedWorkerID, c.strategy.Name()),
		event.NewTaskStatusChangedEvent(t.ID, t.AssignedWorkerID, string(taskqueue.StatusPending), string(taskqueue.StatusAssigned), ""),
	)
	c.detect(fx)
	fx.send(t.AssignedWorkerID, transport.AssignTask{
		TaskID:           t.ID,
		Title:            t.Title,
		Description:      t.Description,
		TaskKind:         t.Kind,
		Priority:         string(t.Priority),
		RequiredSkills:   slices.Clone(t.RequiredSkills),
		EstimatedMinutes: t.EstimatedMinutes,
		Files: transport.Files{
			Modify: slices.Clone(t.Files.Modify),
			Create: slices.Clone(t.Files.Create),
			Delete: slices.Clone(t.Files.Delete),
		},
	})
	c.logger.Info("task assigned", "task_id", t.ID, "worker_id", t.AssignedWorkerID, "strategy", c.strategy.Name())
}

// fill pulls work for one worker in priority order until it is saturated
// or nothing it can take is ready.
// must be called with c.mu held
func (c *Coordinator) fill(workerID string, fx *effects) {
	for {
		w, ok := c.registry.Get(workerID)
		if !ok || !w.Online || !w.HasCapacity() {
			return
		}
		t, ok := c.queue.DequeueFor(w)
		if !ok {
			return
		}
		if _, err := c.registry.AttachTask(w.ID, t.ID); err != nil {
			if _, _, terr := c.queue.Transition(t.ID, taskqueue.StatusPending, err.Error()); terr != nil {
				c.logger.Error("undoing assignment failed", "task_id", t.ID, "error", terr)
			}
			return
		}
		c.dispatch(t, fx)
	}
}

// assignPending offers every ready task to the strategy in priority order.
// must be called with c.mu held
func (c *Coordinator) assignPending(countFailure bool, fx *effects) {
	for _, t := range c.queue.Ready() {
		c.place(t, countFailure, fx)
	}
}

// noteAssignmentFailure counts a failed placement and parks the task once
// it has failed too often.
// must be called with c.mu held
func (c *Coordinator) noteAssignmentFailure(taskID, reason string, fx *effects) {
	blocked, err := c.queue.RecordAssignmentFailure(taskID, reason)
	if err != nil {
		c.logger.Error("recording assignment failure", "task_id", taskID, "error", err)
		return
	}
	if !blocked {
		return
	}
	t, _ := c.queue.Get(taskID)
	fx.publish(
		event.NewTaskStatusChangedEvent(taskID, "", string(taskqueue.StatusPending), string(taskqueue.StatusBlocked), t.BlockedReason),
		event.NewTaskBlockedEvent(taskID, t.BlockedReason, t.BlockedUntil),
	)
	c.logger.Warn("task cooling down", "task_id", taskID, "until", t.BlockedUntil, "last_error", reason)
}

// assignmentFailed undoes an assignment whose AssignTask message could not
// be delivered.
func (c *Coordinator) assignmentFailed(ctx context.Context, taskID, workerID, reason string) {
	fx := &effects{}
	c.mu.Lock()
	t, ok := c.queue.Get(taskID)
	if ok && t.Status == taskqueue.StatusAssigned && t.AssignedWorkerID == workerID {
		c.requeue(taskID, workerID, "delivery failed: "+reason, fx)
		c.noteAssignmentFailure(taskID, reason, fx)
	}
	c.mu.Unlock()
	c.apply(ctx, fx)
}

// BlockTask parks a task until the given time; a zero until uses the
// configured block duration. A task held by a worker is detached from it.
func (c *Coordinator) BlockTask(ctx context.Context, taskID, reason string, until time.Time) error {
	fx := &effects{}
	c.mu.Lock()
	err := c.block(taskID, reason, until, fx)
	c.mu.Unlock()
	c.apply(ctx, fx)
	return err
}

// must be called with c.mu held
func (c *Coordinator) block(taskID, reason string, until time.Time, fx *effects) error {
	before, ok := c.queue.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	t, err := c.queue.Block(taskID, reason, until)
	if err != nil {
		return err
	}
	if before.AssignedWorkerID != "" {
		c.registry.DetachTask(before.AssignedWorkerID, taskID)
		c.fill(before.AssignedWorkerID, fx)
	}
	fx.publish(
		event.NewTaskStatusChangedEvent(taskID, before.AssignedWorkerID, string(before.Status), string(t.Status), reason),
		event.NewTaskBlockedEvent(taskID, reason, t.BlockedUntil),
	)
	return nil
}

// UnblockTask returns a blocked task to the queue and tries to place it.
func (c *Coordinator) UnblockTask(ctx context.Context, taskID string) error {
	fx := &effects{}
	c.mu.Lock()
	t, err := c.queue.Unblock(taskID)
	if err == nil {
		fx.publish(event.NewTaskStatusChangedEvent(taskID, "", string(taskqueue.StatusBlocked), string(t.Status), "unblocked"))
		c.place(t, false, fx)
	}
	c.mu.Unlock()
	c.apply(ctx, fx)
	return err
}

// SweepBlocked unblocks tasks whose block expired, refreshes priority
// scores and retries every ready task, counting failures toward the
// cooldown.
func (c *Coordinator) SweepBlocked(ctx context.Context) taskqueue.SweepResult {
	fx := &effects{}
	c.mu.Lock()
	res := c.queue.SweepBlocked(c.now())
	for _, id := range res.Unblocked {
		fx.publish(event.NewTaskStatusChangedEvent(id, "", string(taskqueue.StatusBlocked), string(taskqueue.StatusPending), "block expired"))
	}
	c.assignPending(true, fx)
	c.mu.Unlock()

	if len(res.Unblocked) > 0 {
		c.logger.Info("blocked tasks released", "count", len(res.Unblocked))
	}
	c.apply(ctx, fx)
	return res
}
