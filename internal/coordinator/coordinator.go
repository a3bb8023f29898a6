package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/conflict"
	"github.com/Iron-Ham/taskmesh/internal/correction"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/quality"
	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

// missedHeartbeats is how many heartbeat intervals a worker may stay
// silent before the sweep takes it offline.
const missedHeartbeats = 3

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultCancelGrace       = 2 * time.Minute

	// maxQualityBounces is how often a task may fail its quality gate
	// before it is failed and escalated instead of requeued.
	maxQualityBounces = 3
	// maxCorrectedRequeues bounds how often a corrected failure is retried.
	maxCorrectedRequeues = 3
)

// Coordinator owns the worker registry and the task queue and wires the
// conflict resolver, quality gate, monitor and error corrector around
// them. Every state change goes through c.mu; slow work (verifiers,
// resolutions, corrections) runs on goroutines and re-enters through the
// same locked methods.
type Coordinator struct {
	mu       sync.Mutex
	settings config.CoordinatorConfig
	strategy taskqueue.Strategy

	registry  *registry.Registry
	queue     *taskqueue.Queue
	resolver  *conflict.Resolver
	gate      *quality.Gate
	monitor   *monitor.Monitor
	corrector *correction.Corrector
	watcher   *conflict.Watcher

	tr     transport.Transport
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time

	// cancelling maps a task to the worker asked to stop it.
	cancelling map[string]*cancelRequest
	// requeues counts how often a failed task was sent back after a
	// successful correction.
	requeues map[string]int
	// bounces counts quality gate failures per task.
	bounces map[string]int
	// results holds the latest gate verdict per task.
	results map[string]quality.Result
	// corrections holds the latest correction outcome per task.
	corrections map[string]correction.Result
	// overlaps remembers watcher overlaps already reported.
	overlaps map[string]bool

	// lifecycle
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	loops       chan error
	unsubscribe func()

	workCtx    context.Context
	workCancel context.CancelFunc
	inflight   sync.WaitGroup
}

type cancelRequest struct {
	workerID string
	reason   string
	timer    *time.Timer
}

// New creates a Coordinator that talks to workers over tr. Components not
// supplied through options are built with their defaults.
func New(settings config.CoordinatorConfig, tr transport.Transport, opts ...Option) (*Coordinator, error) {
	if tr == nil {
		return nil, errors.NewValidationError("coordinator: transport is required").WithField("transport")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = event.NewBus()
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.kinds == nil {
		o.kinds = taskqueue.DefaultKindTable()
	}

	strategy, err := taskqueue.NewStrategy(settings.AssignmentStrategy, o.kinds)
	if err != nil {
		return nil, errors.NewValidationError(err.Error()).WithField("assignment_strategy").WithValue(settings.AssignmentStrategy)
	}

	c := &Coordinator{
		settings: settings,
		strategy: strategy,
		registry: registry.New(
			registry.WithLogger(o.logger),
			registry.WithClock(o.now),
			registry.WithDefaultMaxConcurrent(settings.MaxConcurrentTasksPerWorker),
		),
		queue: taskqueue.New(
			taskqueue.WithLogger(o.logger),
			taskqueue.WithClock(o.now),
			taskqueue.WithKindTable(o.kinds),
			taskqueue.WithMaxAttempts(settings.MaxAssignmentAttempts),
			taskqueue.WithBlockDuration(settings.BlockDuration()),
			taskqueue.WithCooldown(settings.AssignmentCooldown()),
			taskqueue.WithAttemptWindow(settings.AttemptWindow()),
		),
		resolver:    o.resolver,
		gate:        o.gate,
		monitor:     o.monitor,
		corrector:   o.corrector,
		watcher:     o.watcher,
		tr:          tr,
		bus:         o.bus,
		logger:      o.logger.WithComponent("coordinator"),
		now:         o.now,
		cancelling:  make(map[string]*cancelRequest),
		requeues:    make(map[string]int),
		bounces:     make(map[string]int),
		results:     make(map[string]quality.Result),
		corrections: make(map[string]correction.Result),
		overlaps:    make(map[string]bool),
	}
	if c.resolver == nil {
		c.resolver = conflict.New(conflict.WithLogger(o.logger), conflict.WithClock(o.now))
	}
	if c.gate == nil {
		c.gate = quality.NewGate(nil, quality.WithLogger(o.logger), quality.WithClock(o.now))
	}
	if c.monitor == nil {
		c.monitor = monitor.New(monitor.WithLogger(o.logger), monitor.WithClock(o.now), monitor.WithBus(o.bus))
	}
	if c.corrector == nil {
		c.corrector = correction.New(correction.WithLogger(o.logger), correction.WithClock(o.now))
	}
	c.workCtx, c.workCancel = context.WithCancel(context.Background())
	return c, nil
}

// Bus returns the event bus.
func (c *Coordinator) Bus() *event.Bus { return c.bus }

// Resolver returns the conflict resolver.
func (c *Coordinator) Resolver() *conflict.Resolver { return c.resolver }

// Gate returns the quality gate.
func (c *Coordinator) Gate() *quality.Gate { return c.gate }

// Monitor returns the performance monitor.
func (c *Coordinator) Monitor() *monitor.Monitor { return c.monitor }

// Corrector returns the error corrector.
func (c *Coordinator) Corrector() *correction.Corrector { return c.corrector }

// Strategy returns the name of the assignment strategy in use.
func (c *Coordinator) Strategy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy.Name()
}

// Start subscribes to the coordinator channel and runs the heartbeat,
// performance and blocked-task loops until ctx is done or Stop is called.
// A loop whose interval is zero is disabled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator: already started")
	}
	if c.stopped {
		return errors.Wrap(errors.ErrNotRunning, "coordinator")
	}

	unsubscribe, err := c.tr.Subscribe(transport.CoordinatorChannel, c.receive)
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", transport.CoordinatorChannel)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop(gctx, "heartbeat sweep", c.settings.HeartbeatInterval(), func(ctx context.Context) {
			c.SweepWorkers(ctx)
		})
	})
	g.Go(func() error {
		return c.loop(gctx, "performance collection", c.settings.PerformanceInterval(), func(ctx context.Context) {
			c.CollectMetrics(ctx)
		})
	})
	g.Go(func() error {
		return c.loop(gctx, "blocked sweep", c.settings.BlockedSweepInterval(), func(ctx context.Context) {
			c.SweepBlocked(ctx)
		})
	})

	if c.watcher != nil {
		c.watcher.OnOverlap(c.undeclaredOverlaps)
		c.watcher.Start()
	}

	c.loops = make(chan error, 1)
	go func() { c.loops <- g.Wait() }()
	c.cancel = cancel
	c.unsubscribe = unsubscribe
	c.started = true

	c.logger.Info("coordinator started",
		"strategy", c.strategy.Name(),
		"heartbeat_interval", c.settings.HeartbeatInterval(),
		"performance_interval", c.settings.PerformanceInterval(),
		"blocked_sweep_interval", c.settings.BlockedSweepInterval(),
	)
	return nil
}

func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) error {
	if interval <= 0 {
		c.logger.Debug("loop disabled", "loop", name)
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Stop cancels the loops, stops listening to workers and waits for
// in-flight work up to the shutdown grace period. Work still running after
// the grace period has its context canceled and a TimeoutError is
// returned. Stop is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	for id, req := range c.cancelling {
		if req.timer != nil {
			req.timer.Stop()
			req.timer = nil
		}
		c.logger.Debug("cancel reclaim abandoned at shutdown", "task_id", id)
	}
	c.mu.Unlock()

	if started {
		c.cancel()
		<-c.loops
		c.unsubscribe()
		if c.watcher != nil {
			c.watcher.Stop()
		}
	}

	grace := c.settings.ShutdownGrace()
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	var err error
	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-done:
		case <-timer.C:
			err = errors.NewTimeoutError("coordinator shutdown", grace)
			c.logger.Warn("abandoning in-flight work", "grace", grace)
		}
		timer.Stop()
	} else {
		<-done
	}
	c.workCancel()
	c.logger.Info("coordinator stopped")
	return err
}

// ApplyConfig pushes a reloaded configuration into the running components:
// the assignment strategy, default worker capacity, conflict threshold,
// quality weights and minimum score, alert thresholds and correction
// switches. Loop intervals and queue retry settings take effect on
// restart.
func (c *Coordinator) ApplyConfig(cfg *config.Config, source string) error {
	strategy, err := taskqueue.NewStrategy(cfg.Coordinator.AssignmentStrategy, c.queue.Kinds())
	if err != nil {
		return errors.NewValidationError(err.Error()).WithField("coordinator.assignment_strategy")
	}

	c.mu.Lock()
	c.strategy = strategy
	c.registry.SetDefaultMaxConcurrent(cfg.Coordinator.MaxConcurrentTasksPerWorker)
	c.mu.Unlock()

	c.resolver.SetThreshold(cfg.Conflict.AutoResolveConfidenceThreshold)
	c.gate.SetWeights(cfg.Quality.Weights)
	c.gate.SetMinScore(cfg.Quality.MinScore)
	c.monitor.SetThresholds(cfg.Monitor.Thresholds)
	c.corrector.SetEnabled(cfg.Correction.Enabled)
	c.corrector.SetMaxRetries(cfg.Correction.MaxAutoRetries)

	c.logger.Info("configuration applied", "source", source, "strategy", strategy.Name())
	c.bus.Publish(event.NewConfigReloadedEvent(source))
	return nil
}
