package coordinator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/conflict"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// ConflictReport is a conflict observed by a worker or an operator.
type ConflictReport struct {
	Files       []string          `json:"files"`
	Kind        conflict.Kind     `json:"kind,omitempty"`
	WorkerIDs   []string          `json:"worker_ids,omitempty"`
	TaskIDs     []string          `json:"task_ids,omitempty"`
	Changes     []conflict.Change `json:"changes,omitempty"`
	Description string            `json:"description,omitempty"`
}

// detect compares the declared files of every task a worker holds and
// starts resolving any overlap not seen before.
// must be called with c.mu held
func (c *Coordinator) detect(fx *effects) {
	var claims []conflict.Claim
	for _, t := range c.queue.Active() {
		if files := t.Files.All(); len(files) > 0 {
			claims = append(claims, conflict.Claim{TaskID: t.ID, WorkerID: t.AssignedWorkerID, Files: files})
		}
	}
	if len(claims) < 2 {
		return
	}
	for _, cf := range c.resolver.Detect(claims) {
		c.startResolve(cf, fx)
	}
}

// must be called with c.mu held
func (c *Coordinator) startResolve(cf conflict.Conflict, fx *effects) {
	fx.publish(event.NewConflictDetectedEvent(cf.ID, string(cf.Kind), string(cf.Severity), cf.Files, cf.Workers, cf.Tasks))
	id := cf.ID
	fx.spawn(func(ctx context.Context) { c.resolve(ctx, id) })
}

// ReportConflict records a conflict found outside declared file sets and
// starts resolving it. It returns the conflict ID.
func (c *Coordinator) ReportConflict(ctx context.Context, rep ConflictReport) (string, error) {
	c.mu.Lock()
	for _, id := range rep.TaskIDs {
		if _, ok := c.queue.Get(id); !ok {
			c.mu.Unlock()
			return "", errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
		}
	}
	cf, err := c.resolver.Record(conflict.Report{
		Files:       rep.Files,
		Workers:     rep.WorkerIDs,
		Tasks:       rep.TaskIDs,
		Kind:        rep.Kind,
		Changes:     rep.Changes,
		Description: rep.Description,
	})
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	fx := &effects{}
	c.startResolve(cf, fx)
	c.mu.Unlock()

	c.apply(ctx, fx)
	return cf.ID, nil
}

// resolve runs the resolver on one conflict and announces the outcome.
// Escalations raise an alert and are broadcast to every worker.
func (c *Coordinator) resolve(ctx context.Context, id string) {
	out, err := c.resolver.Resolve(ctx, id)
	if err != nil {
		c.logger.Debug("conflict not resolved", "conflict_id", id, "error", err)
		return
	}
	cf := out.Conflict
	res := cf.Resolution
	if res == nil {
		res = &conflict.Resolution{}
	}
	if cf.Status == conflict.StatusResolved {
		c.bus.Publish(event.NewConflictResolvedEvent(cf.ID, res.Strategy, res.Confidence, len(res.Actions)))
		return
	}

	c.bus.Publish(event.NewConflictEscalatedEvent(cf.ID, res.Strategy, res.Confidence, out.Reason))
	severity := monitor.SeverityWarning
	if cf.Severity == conflict.SeverityCritical || cf.Severity == conflict.SeverityHigh {
		severity = monitor.SeverityCritical
	}
	msg := fmt.Sprintf("%s conflict over %s needs manual resolution: %s", cf.Kind, strings.Join(cf.Files, ", "), out.Reason)
	c.escalate(ctx, monitor.AlertSpec{
		Type:      monitor.AlertEscalation,
		Severity:  severity,
		Source:    "conflict:" + cf.ID,
		Metric:    "resolution_confidence",
		Value:     float64(res.Confidence),
		Threshold: float64(c.resolver.Threshold()),
		Message:   msg,
	}, "conflict.escalated", map[string]string{
		"conflict_id": cf.ID,
		"kind":        string(cf.Kind),
		"severity":    string(cf.Severity),
		"files":       strings.Join(cf.Files, ","),
		"tasks":       strings.Join(cf.Tasks, ","),
	})
}

// undeclaredOverlaps turns files the watcher saw modified by several
// workers into conflict records. Each file and worker set is reported
// once.
func (c *Coordinator) undeclaredOverlaps(overlaps []conflict.Overlap) {
	fx := &effects{}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	for _, o := range overlaps {
		key := o.File + "|" + strings.Join(o.Workers, ",")
		if c.overlaps[key] {
			continue
		}
		c.overlaps[key] = true

		var tasks []string
		for _, t := range c.queue.Active() {
			if slices.Contains(o.Workers, t.AssignedWorkerID) && declares(t, o.File) {
				tasks = append(tasks, t.ID)
			}
		}
		cf, err := c.resolver.Record(conflict.Report{
			Files:       []string{o.File},
			Workers:     o.Workers,
			Tasks:       tasks,
			Description: "modified by " + strings.Join(o.Workers, ", ") + " without a shared declaration",
		})
		if err != nil {
			c.logger.Warn("recording watched overlap", "file", o.File, "error", err)
			continue
		}
		c.startResolve(cf, fx)
	}
	c.mu.Unlock()
	c.apply(c.workCtx, fx)
}

func declares(t taskqueue.Task, file string) bool {
	return slices.Contains(t.Files.All(), file)
}

// Conflicts returns every recorded conflict.
func (c *Coordinator) Conflicts() []conflict.Conflict {
	return c.resolver.List()
}

// Conflict returns one conflict.
func (c *Coordinator) Conflict(id string) (conflict.Conflict, error) {
	cf, ok := c.resolver.Get(id)
	if !ok {
		return conflict.Conflict{}, errors.NewNotFoundError("conflict", id).WithCause(errors.ErrConflictNotFound)
	}
	return cf, nil
}

// Escalations returns the conflicts handed to humans.
func (c *Coordinator) Escalations() []conflict.Conflict {
	return c.resolver.Escalations()
}
