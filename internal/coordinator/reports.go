package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/correction"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/quality"
	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// ReportStatus applies a worker's status report. Completion is not final
// until the quality gate has passed; failures go through the error
// corrector before they are surfaced. Reports for tasks the worker does
// not hold are rejected.
func (c *Coordinator) ReportStatus(ctx context.Context, r transport.StatusReport) error {
	fx := &effects{}
	c.mu.Lock()
	err := c.report(r, fx)
	c.mu.Unlock()
	c.apply(ctx, fx)
	return err
}

// must be called with c.mu held
func (c *Coordinator) report(r transport.StatusReport, fx *effects) error {
	if _, ok := c.registry.Get(r.WorkerID); !ok {
		return errors.NewWorkerError("unregistered worker", errors.ErrWorkerNotFound).WithWorkerID(r.WorkerID)
	}
	t, err := c.checkAssignee(r.TaskID, r.WorkerID)
	if err != nil {
		return errors.NewWorkerError("cannot apply report", err).WithWorkerID(r.WorkerID)
	}
	logger := c.logger.WithTask(r.TaskID).With("worker_id", r.WorkerID)

	if r.Status == transport.ReportCancelled {
		if _, ok := c.cancelling[r.TaskID]; !ok {
			// The worker gave up on its own; treat it like a failure.
			r.Status = transport.ReportFailed
			if r.Error == "" {
				r.Error = "task cancelled by worker"
			}
		} else {
			c.finishCancel(r.TaskID, "cancelled by worker", fx)
			c.fill(r.WorkerID, fx)
			return nil
		}
	}
	if _, ok := c.cancelling[r.TaskID]; ok && r.Status != transport.ReportInProgress {
		// A terminal report answers the cancellation just as well.
		logger.Info("terminal report during cancellation", "status", r.Status)
		c.finishCancel(r.TaskID, "cancelled after worker reported "+r.Status, fx)
		c.fill(r.WorkerID, fx)
		return nil
	}

	if t.Status == taskqueue.StatusAssigned {
		if t, err = c.transition(t.ID, r.WorkerID, taskqueue.StatusInProgress, "worker started", fx); err != nil {
			return err
		}
	}
	if err := c.queue.UpdateProgress(r.TaskID, r.Progress, r.Artifacts); err != nil {
		return err
	}

	switch r.Status {
	case transport.ReportInProgress:
		c.detect(fx)
		return nil

	case transport.ReportCompleted:
		t, _ = c.queue.Get(r.TaskID)
		artifacts := t.Result
		logger.Info("completion reported, running quality gate", "artifacts", len(artifacts))
		fx.spawn(func(ctx context.Context) {
			res := c.gate.Evaluate(ctx, t, artifacts)
			c.finishQuality(ctx, t.ID, r.WorkerID, res)
		})
		return nil

	case transport.ReportFailed:
		if _, err := c.transition(t.ID, r.WorkerID, taskqueue.StatusFailed, r.Error, fx); err != nil {
			return err
		}
		c.registry.DetachTask(r.WorkerID, r.TaskID)
		if err := c.registry.RecordOutcome(r.WorkerID, registry.Outcome{Success: false}); err != nil {
			logger.Debug("recording outcome", "error", err)
		}
		c.fill(r.WorkerID, fx)
		failure := correction.Failure{
			TaskID:   t.ID,
			WorkerID: r.WorkerID,
			Message:  r.Error,
			Files:    t.Files.All(),
		}
		if strings.TrimSpace(failure.Message) == "" {
			failure.Message = "task failed without an error message"
		}
		fx.spawn(func(ctx context.Context) {
			res, err := c.corrector.Handle(ctx, failure)
			c.finishCorrection(ctx, failure, res, err)
		})
		return nil

	case transport.ReportBlocked:
		reason := r.Error
		if reason == "" {
			reason = "blocked by worker"
		}
		return c.block(r.TaskID, reason, c.now().Add(c.settings.BlockDuration()), fx)

	default:
		return errors.NewValidationError("unknown report status").WithField("status").WithValue(r.Status)
	}
}

// transition moves a task and records the change.
// must be called with c.mu held
func (c *Coordinator) transition(taskID, workerID string, to taskqueue.Status, reason string, fx *effects) (taskqueue.Task, error) {
	t, from, err := c.queue.Transition(taskID, to, reason)
	if err != nil {
		return taskqueue.Task{}, err
	}
	fx.publish(event.NewTaskStatusChangedEvent(taskID, workerID, string(from), string(to), reason))
	return t, nil
}

// finishQuality applies a gate verdict. A pass completes the task and
// releases its dependents; a failure sends it back to the queue, and after
// maxQualityBounces failures, or at once when rework cannot help, fails and
// escalates it. The worker's quality average is updated either way.
func (c *Coordinator) finishQuality(ctx context.Context, taskID, workerID string, res quality.Result) {
	fx := &effects{}
	var escalate *monitor.AlertSpec

	c.mu.Lock()
	c.results[taskID] = res
	if err := c.registry.RecordQuality(workerID, res.Score); err != nil {
		c.logger.Debug("recording quality", "worker_id", workerID, "error", err)
	}
	fx.publish(event.NewQualityEvaluatedEvent(taskID, workerID, res.Passed, res.Score, len(res.Issues)))

	t, err := c.checkAssignee(taskID, workerID)
	switch {
	case err != nil || t.Status != taskqueue.StatusInProgress:
		c.logger.Info("discarding gate result for reclaimed task", "task_id", taskID, "worker_id", workerID)

	case res.Passed:
		done, err := c.transition(taskID, workerID, taskqueue.StatusCompleted, "quality gate passed", fx)
		if err != nil {
			c.logger.Error("completing task", "task_id", taskID, "error", err)
			break
		}
		c.registry.DetachTask(workerID, taskID)
		minutes := done.CompletedAt.Sub(done.StartedAt).Minutes()
		if err := c.registry.RecordOutcome(workerID, registry.Outcome{Success: true, CompletionMinutes: minutes}); err != nil {
			c.logger.Debug("recording outcome", "error", err)
		}
		delete(c.bounces, taskID)
		c.logger.Info("task completed", "task_id", taskID, "worker_id", workerID, "score", res.Score, "minutes", minutes)

		for _, id := range c.queue.UnblockedBy(taskID) {
			if dep, ok := c.queue.Get(id); ok {
				c.place(dep, false, fx)
			}
		}
		c.fill(workerID, fx)

	default:
		c.bounces[taskID]++
		n := c.bounces[taskID]
		c.registry.DetachTask(workerID, taskID)
		if err := c.registry.RecordOutcome(workerID, registry.Outcome{Success: false}); err != nil {
			c.logger.Debug("recording outcome", "error", err)
		}
		gateErr := res.Err()
		if n >= maxQualityBounces || !errors.IsRetryable(gateErr) {
			reason := fmt.Sprintf("%v after %d gate failures", gateErr, n)
			if _, err := c.transition(taskID, workerID, taskqueue.StatusFailed, reason, fx); err != nil {
				c.logger.Error("failing task", "task_id", taskID, "error", err)
			}
			escalate = &monitor.AlertSpec{
				Type:      monitor.AlertQualityDecline,
				Severity:  monitor.SeverityCritical,
				Source:    "task:" + taskID,
				Metric:    "quality_score",
				Value:     res.Score,
				Threshold: float64(n),
				Message:   fmt.Sprintf("Task %s failed its quality gate %d times and needs manual review", taskID, n),
			}
			if res.Unverifiable {
				escalate.Message = fmt.Sprintf("Task %s requires a check no configured verifier performs and needs manual review", taskID)
			}
			c.logger.Warn("task escalated after gate failure", "task_id", taskID, "bounces", n, "unverifiable", res.Unverifiable)
		} else {
			c.requeue(taskID, workerID, gateErr.Error(), fx)
			c.logger.Warn("quality gate failed, task requeued", "task_id", taskID, "score", res.Score, "bounces", n)
			if requeued, ok := c.queue.Get(taskID); ok {
				c.place(requeued, false, fx)
			}
		}
		c.fill(workerID, fx)
	}
	c.mu.Unlock()

	if escalate != nil {
		c.escalate(ctx, *escalate, "task.escalated", map[string]string{"task_id": taskID})
	}
	c.apply(ctx, fx)
}

// finishCorrection applies the corrector's outcome to a failed task. A
// fixed failure, or a retryable corrector error, sends the task back to the
// queue, at most maxCorrectedRequeues times; everything else stays failed
// and is escalated.
func (c *Coordinator) finishCorrection(ctx context.Context, f correction.Failure, res correction.Result, herr error) {
	fx := &effects{}
	var reason string

	c.mu.Lock()
	if herr != nil {
		if res.OccurrenceID != "" {
			c.corrections[f.TaskID] = res
		}
		if errors.IsRetryable(herr) && c.requeues[f.TaskID] < maxCorrectedRequeues {
			c.logger.Warn("error correction interrupted, task requeued", "task_id", f.TaskID, "error", herr)
			c.requeueFailed(f.TaskID, "correction interrupted: "+herr.Error(), fx)
		} else {
			c.logger.Error("error correction failed", "task_id", f.TaskID, "error", herr)
			reason = herr.Error()
		}
	} else {
		c.corrections[f.TaskID] = res
		fx.publish(event.NewErrorHandledEvent(res.OccurrenceID, res.PatternID, f.TaskID, f.WorkerID, string(res.Status), res.Attempts))
		switch {
		case !res.Success:
			reason = fmt.Sprintf("%s (%s)", errors.ErrEscalated, res.Status)
		case c.requeues[f.TaskID] >= maxCorrectedRequeues:
			reason = fmt.Sprintf("%s: corrected %d times", errors.ErrRetriesExhausted, c.requeues[f.TaskID])
		default:
			c.requeueFailed(f.TaskID, "error corrected by pattern "+res.PatternID, fx)
		}
	}
	c.mu.Unlock()

	if reason != "" {
		if res.OccurrenceID != "" && !res.Status.Terminal() {
			if _, err := c.corrector.Escalate(res.OccurrenceID, reason); err != nil {
				c.logger.Debug("escalating occurrence", "occurrence_id", res.OccurrenceID, "error", err)
			}
		}
		c.escalate(ctx, monitor.AlertSpec{
			Type:     monitor.AlertEscalation,
			Severity: monitor.SeverityWarning,
			Source:   "task:" + f.TaskID,
			Message:  fmt.Sprintf("Failure of task %s needs manual intervention: %s", f.TaskID, truncate(f.Message, 200)),
		}, "error.escalated", map[string]string{"task_id": f.TaskID, "occurrence_id": res.OccurrenceID, "reason": reason})
	}
	c.apply(ctx, fx)
}

// requeueFailed sends a failed task back to the queue and counts it
// against maxCorrectedRequeues.
// must be called with c.mu held
func (c *Coordinator) requeueFailed(taskID, reason string, fx *effects) {
	c.requeues[taskID]++
	t, err := c.transition(taskID, "", taskqueue.StatusPending, reason, fx)
	if err != nil {
		c.logger.Debug("requeue after correction skipped", "task_id", taskID, "error", err)
		return
	}
	c.place(t, false, fx)
}

// escalate raises an alert and tells every worker about the hand-off.
// It must not be called with c.mu held.
func (c *Coordinator) escalate(ctx context.Context, spec monitor.AlertSpec, kind string, data map[string]string) {
	a, _ := c.monitor.Raise(spec)
	if data == nil {
		data = map[string]string{}
	}
	data["alert_id"] = a.ID
	err := c.tr.Broadcast(ctx, transport.SystemEvent{Type: kind, Message: spec.Message, Data: data})
	if err != nil {
		c.logger.Debug("escalation broadcast failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
