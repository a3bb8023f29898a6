package coordinator

import (
	"context"

	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// receive handles messages addressed to the coordinator channel.
func (c *Coordinator) receive(ctx context.Context, env transport.Envelope, msg transport.Message) {
	logger := c.logger.With("from", env.From, "kind", string(env.Kind))

	switch m := msg.(type) {
	case transport.RegisterRequest:
		if m.WorkerID == "" {
			m.WorkerID = env.From
		}
		fx := &effects{}
		c.mu.Lock()
		_, err := c.register(m, fx)
		c.mu.Unlock()

		ack := transport.RegisterAck{
			WorkerID:                 m.WorkerID,
			Accepted:                 err == nil,
			HeartbeatIntervalSeconds: int(c.heartbeatInterval().Seconds()),
		}
		if err != nil {
			ack.Reason = err.Error()
			logger.Warn("registration rejected", "worker_id", m.WorkerID, "error", err)
		}
		// The ack must reach the worker before any assignment.
		fx.sends = append([]outbound{{target: m.WorkerID, msg: ack}}, fx.sends...)
		c.apply(ctx, fx)

	case transport.Heartbeat:
		if m.WorkerID == "" {
			m.WorkerID = env.From
		}
		if err := c.Heartbeat(ctx, m); err != nil {
			logger.Debug("heartbeat rejected", "error", err)
		}

	case transport.StatusReport:
		if m.WorkerID == "" {
			m.WorkerID = env.From
		}
		if err := c.ReportStatus(ctx, m); err != nil {
			logger.Warn("status report rejected", "task_id", m.TaskID, "status", m.Status, "error", err)
		}

	default:
		logger.Debug("ignoring message")
	}
}
