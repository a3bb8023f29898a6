package coordinator

import (
	"context"

	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// effects collects what a locked operation decided to do outside the
// lock: events to publish, messages to send and slow work to start.
// Nothing in it runs while c.mu is held.
type effects struct {
	events []event.Event
	sends  []outbound
	jobs   []func(ctx context.Context)
}

type outbound struct {
	target string
	msg    transport.Message
}

func (fx *effects) publish(e ...event.Event) {
	fx.events = append(fx.events, e...)
}

func (fx *effects) send(target string, msg transport.Message) {
	fx.sends = append(fx.sends, outbound{target: target, msg: msg})
}

// spawn runs fn on its own goroutine with the coordinator's work context.
func (fx *effects) spawn(fn func(ctx context.Context)) {
	fx.jobs = append(fx.jobs, fn)
}

// apply carries out fx. It must not be called with c.mu held.
func (c *Coordinator) apply(ctx context.Context, fx *effects) {
	for _, e := range fx.events {
		c.bus.Publish(e)
	}
	for _, o := range fx.sends {
		err := c.tr.Send(ctx, o.target, o.msg)
		if err == nil {
			continue
		}
		c.logger.Warn("send failed", "target", o.target, "kind", string(o.msg.Kind()), "error", err)
		if a, ok := o.msg.(transport.AssignTask); ok {
			c.assignmentFailed(ctx, a.TaskID, o.target, err.Error())
		}
	}
	if len(fx.jobs) == 0 {
		return
	}
	// Registering under c.mu orders every Go before Stop's Wait.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.logger.Debug("dropping background work after stop", "jobs", len(fx.jobs))
		return
	}
	for _, job := range fx.jobs {
		c.inflight.Go(func() { job(c.workCtx) })
	}
}
