package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// RegisterWorker registers or refreshes a worker and hands it any pending
// work it can take. Registration is idempotent; a worker that registers
// again after a restart gets its previously held tasks requeued.
func (c *Coordinator) RegisterWorker(ctx context.Context, req transport.RegisterRequest) (registry.Worker, error) {
	fx := &effects{}
	c.mu.Lock()
	w, err := c.register(req, fx)
	c.mu.Unlock()
	c.apply(ctx, fx)
	return w, err
}

// must be called with c.mu held
func (c *Coordinator) register(req transport.RegisterRequest, fx *effects) (registry.Worker, error) {
	prev, existed := c.registry.Get(req.WorkerID)

	w, err := c.registry.Register(req.WorkerID, req.WorkerType, req.Capabilities, req.MaxConcurrentTasks)
	if err != nil {
		return registry.Worker{}, err
	}
	if existed {
		for _, id := range prev.ActiveTaskIDs {
			c.requeue(id, req.WorkerID, "worker re-registered", fx)
		}
	}
	fx.publish(event.NewWorkerRegisteredEvent(w.ID, w.Type, w.Capabilities, existed))

	if c.watcher != nil && req.Workspace != "" {
		if err := c.watcher.AddWorker(w.ID, req.Workspace); err != nil {
			c.logger.Warn("watching workspace failed", "worker_id", w.ID, "workspace", req.Workspace, "error", err)
		}
	}

	c.fill(w.ID, fx)
	w, _ = c.registry.Get(w.ID)
	return w, nil
}

// Heartbeat records a worker heartbeat. A worker coming back from offline
// is offered pending work again.
func (c *Coordinator) Heartbeat(ctx context.Context, hb transport.Heartbeat) error {
	fx := &effects{}
	c.mu.Lock()
	revived, err := c.registry.Heartbeat(hb.WorkerID, registry.Health{
		CPU:            hb.CPU,
		Memory:         hb.Memory,
		ErrorCount:     hb.ErrorCount,
		ResponseTimeMs: hb.ResponseTimeMs,
	})
	if err == nil && revived {
		fx.publish(event.NewWorkerOnlineEvent(hb.WorkerID))
		c.fill(hb.WorkerID, fx)
	}
	c.mu.Unlock()
	c.apply(ctx, fx)
	if err != nil {
		return errors.NewWorkerError("unregistered worker", err).WithWorkerID(hb.WorkerID)
	}
	return nil
}

// Workers returns a snapshot of every registered worker.
func (c *Coordinator) Workers() []registry.Worker {
	return c.registry.List()
}

// Worker returns a snapshot of one worker.
func (c *Coordinator) Worker(id string) (registry.Worker, bool) {
	return c.registry.Get(id)
}

// SweepWorkers takes offline every worker silent for more than three
// heartbeat intervals and returns its tasks to the queue. Tasks that were
// being cancelled are cancelled instead.
func (c *Coordinator) SweepWorkers(ctx context.Context) []registry.Expired {
	fx := &effects{}
	c.mu.Lock()
	timeout := missedHeartbeats * c.heartbeatInterval()
	expired := c.registry.SweepExpired(c.now(), timeout)
	for _, e := range expired {
		for _, id := range e.TaskIDs {
			if _, ok := c.cancelling[id]; ok {
				c.finishCancel(id, "worker offline", fx)
				continue
			}
			c.requeue(id, e.WorkerID, "worker offline", fx)
		}
		if c.watcher != nil {
			c.watcher.RemoveWorker(e.WorkerID)
		}
		fx.publish(event.NewWorkerOfflineEvent(e.WorkerID, e.LastHeartbeat, e.TaskIDs))
	}
	if len(expired) > 0 {
		c.assignPending(false, fx)
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.monitor.WorkerOffline(e.WorkerID, e.LastHeartbeat, len(e.TaskIDs))
	}
	c.apply(ctx, fx)
	return expired
}

// heartbeatInterval falls back to the documented default when the loop is
// disabled so manual sweeps still have a timeout.
func (c *Coordinator) heartbeatInterval() time.Duration {
	if d := c.settings.HeartbeatInterval(); d > 0 {
		return d
	}
	return defaultHeartbeatInterval
}

// requeue returns a task held by workerID to pending. Tasks the worker no
// longer holds are left alone.
// must be called with c.mu held
func (c *Coordinator) requeue(taskID, workerID, reason string, fx *effects) {
	c.registry.DetachTask(workerID, taskID)
	t, ok := c.queue.Get(taskID)
	if !ok || !t.Status.IsActive() || t.AssignedWorkerID != workerID {
		return
	}
	t, from, err := c.queue.Transition(taskID, taskqueue.StatusPending, reason)
	if err != nil {
		c.logger.Error("requeue failed", "task_id", taskID, "error", err)
		return
	}
	fx.publish(event.NewTaskStatusChangedEvent(taskID, workerID, string(from), string(t.Status), reason))
	c.logger.Info("task requeued", "task_id", taskID, "worker_id", workerID, "reason", reason)
}

// checkAssignee verifies that workerID holds taskID.
// must be called with c.mu held
func (c *Coordinator) checkAssignee(taskID, workerID string) (taskqueue.Task, error) {
	t, ok := c.queue.Get(taskID)
	if !ok {
		return taskqueue.Task{}, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if t.AssignedWorkerID != workerID || !t.Status.IsActive() {
		return t, errors.NewTaskError("task is not held by this worker", errors.ErrInvalidTransition).
			WithTaskID(taskID).WithWorkerID(workerID).WithStatus(string(t.Status))
	}
	return t, nil
}
