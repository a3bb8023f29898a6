package coordinator

import (
	"context"

	"github.com/Iron-Ham/taskmesh/internal/monitor"
)

// snapshot captures registry and queue state for the monitor.
// must be called with c.mu held
func (c *Coordinator) snapshot() monitor.Snapshot {
	return monitor.Snapshot{
		Workers:      c.registry.List(),
		WorkerCounts: c.registry.Counts(),
		Tasks:        c.queue.Counts(),
		Capacity:     c.registry.Capacity(),
		At:           c.now(),
	}
}

// CollectMetrics feeds one snapshot to the monitor and returns the alerts
// it opened.
func (c *Coordinator) CollectMetrics(ctx context.Context) []monitor.Alert {
	c.mu.Lock()
	snap := c.snapshot()
	c.mu.Unlock()

	alerts := c.monitor.Collect(ctx, snap)
	if len(alerts) > 0 {
		c.logger.Info("performance alerts raised", "count", len(alerts))
	}
	return alerts
}

// GetSystemHealth reports live worker and task counts, resource averages,
// open alerts and trends.
func (c *Coordinator) GetSystemHealth() monitor.SystemHealth {
	c.mu.Lock()
	snap := c.snapshot()
	c.mu.Unlock()
	return c.monitor.SystemHealth(snap)
}

// WorkerProfile reports a worker's recent performance and recommendations.
func (c *Coordinator) WorkerProfile(workerID string) (monitor.WorkerProfile, bool) {
	w, ok := c.registry.Get(workerID)
	if !ok {
		return monitor.WorkerProfile{}, false
	}
	return c.monitor.WorkerProfile(w), true
}

// ResolveAlert closes an open alert.
func (c *Coordinator) ResolveAlert(id string) (monitor.Alert, error) {
	return c.monitor.ResolveAlert(id)
}

// Alerts returns every alert still retained, open ones included.
func (c *Coordinator) Alerts() []monitor.Alert {
	return c.monitor.Alerts()
}
