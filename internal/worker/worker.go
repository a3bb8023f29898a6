package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/transport"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRegisterTimeout   = 10 * time.Second

	// responseAlpha weights the newest task in the response time average.
	responseAlpha = 0.3
)

// ErrBlocked is returned by a Handler that cannot proceed until something
// outside the task changes. The task is reported as blocked, not failed.
var ErrBlocked = errors.New("task blocked")

// ErrRejected is returned by Run when the coordinator refuses registration.
var ErrRejected = errors.New("registration rejected")

// Result is what a Handler produced.
type Result struct {
	// Artifacts reference the produced work for the quality gate.
	Artifacts []string
}

// Handler performs assigned tasks. Execute must return promptly once ctx
// is canceled. progress may be called with a 0-100 percentage.
type Handler interface {
	Execute(ctx context.Context, task transport.AssignTask, progress func(percent int)) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task transport.AssignTask, progress func(percent int)) (Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task transport.AssignTask, progress func(percent int)) (Result, error) {
	return f(ctx, task, progress)
}

// Config describes the worker to the coordinator.
type Config struct {
	ID                 string
	Type               string
	Capabilities       []string
	MaxConcurrentTasks int
	// HeartbeatInterval overrides the period announced by the coordinator.
	HeartbeatInterval time.Duration
	// Workspace is announced at registration so the coordinator can watch
	// the checkout for edits no task declared.
	Workspace string
}

// Worker connects a Handler to the coordinator: it registers, heartbeats,
// runs assigned tasks concurrently up to its capacity and reports their
// status.
type Worker struct {
	cfg     Config
	handler Handler
	tr      transport.Transport
	sampler monitor.HostSampler
	onEvent func(transport.SystemEvent)
	logger  *logging.Logger
	now     func() time.Time

	registerTimeout time.Duration

	mu         sync.Mutex
	running    map[string]*run
	errorCount int
	responseMs float64
	interval   time.Duration
	base       context.Context
	stopping   bool
	acked      chan transport.RegisterAck
	tasks      sync.WaitGroup
}

type run struct {
	cancel   context.CancelFunc
	canceled bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l.WithComponent("worker")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithSampler reports host CPU and memory in heartbeats.
func WithSampler(s monitor.HostSampler) Option {
	return func(w *Worker) { w.sampler = s }
}

// WithEventHandler receives system events broadcast by the coordinator.
func WithEventHandler(fn func(transport.SystemEvent)) Option {
	return func(w *Worker) { w.onEvent = fn }
}

// WithRegisterTimeout bounds the wait for the registration ack.
func WithRegisterTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.registerTimeout = d
		}
	}
}

// New creates a Worker that talks to the coordinator over tr.
func New(cfg Config, h Handler, tr transport.Transport, opts ...Option) *Worker {
	w := &Worker{
		cfg:             cfg,
		handler:         h,
		tr:              tr,
		logger:          logging.NopLogger(),
		now:             time.Now,
		registerTimeout: defaultRegisterTimeout,
		running:         make(map[string]*run),
		acked:           make(chan transport.RegisterAck, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithWorker(cfg.ID)
	return w
}

// ID returns the worker's ID.
func (w *Worker) ID() string { return w.cfg.ID }

// Interval returns the heartbeat period in use, zero before registration.
func (w *Worker) Interval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// Run registers with the coordinator and serves assignments until ctx is
// canceled. On return every running task has been canceled and has
// finished.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.ID == "" {
		return errors.NewValidationError("worker id is required").WithField("id")
	}
	unsubscribe, err := w.tr.Subscribe(w.cfg.ID, w.receive)
	if err != nil {
		return errors.Wrapf(err, "subscribing %s", w.cfg.ID)
	}
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.base, w.stopping = ctx, false
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.stopping = true
		w.mu.Unlock()
		cancel()
		w.tasks.Wait()
	}()

	interval, err := w.register(ctx)
	if err != nil {
		return err
	}
	w.logger.Info("worker registered", "heartbeat_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "running", len(w.Running()))
			return nil
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) register(ctx context.Context) (time.Duration, error) {
	req := transport.RegisterRequest{
		WorkerID:           w.cfg.ID,
		WorkerType:         w.cfg.Type,
		Capabilities:       slices.Clone(w.cfg.Capabilities),
		MaxConcurrentTasks: w.cfg.MaxConcurrentTasks,
		Workspace:          w.cfg.Workspace,
	}
	if err := w.tr.Send(ctx, transport.CoordinatorChannel, req); err != nil {
		return 0, errors.Wrap(err, "sending registration")
	}

	timer := time.NewTimer(w.registerTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, errors.NewTimeoutError("worker registration", w.registerTimeout)
	case ack := <-w.acked:
		if !ack.Accepted {
			return 0, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
		}
		interval := w.cfg.HeartbeatInterval
		if interval <= 0 && ack.HeartbeatIntervalSeconds > 0 {
			interval = time.Duration(ack.HeartbeatIntervalSeconds) * time.Second
		}
		if interval <= 0 {
			interval = defaultHeartbeatInterval
		}
		w.mu.Lock()
		w.interval = interval
		w.mu.Unlock()
		return interval, nil
	}
}

// Heartbeat builds the worker's current heartbeat.
func (w *Worker) Heartbeat(ctx context.Context) transport.Heartbeat {
	hb := transport.Heartbeat{WorkerID: w.cfg.ID}
	if w.sampler != nil {
		if s, err := w.sampler.Sample(ctx); err == nil {
			hb.CPU, hb.Memory = s.CPU, s.Memory
		}
	}
	w.mu.Lock()
	hb.ErrorCount = w.errorCount
	hb.ResponseTimeMs = w.responseMs
	w.mu.Unlock()
	return hb
}

func (w *Worker) heartbeat(ctx context.Context) error {
	return w.tr.Send(ctx, transport.CoordinatorChannel, w.Heartbeat(ctx))
}

func (w *Worker) receive(ctx context.Context, env transport.Envelope, msg transport.Message) {
	switch m := msg.(type) {
	case transport.RegisterAck:
		select {
		case w.acked <- m:
		default:
		}
	case transport.AssignTask:
		w.start(ctx, m)
	case transport.CancelTask:
		w.Cancel(m.TaskID)
	case transport.SystemEvent:
		w.logger.Info("system event", "type", m.Type, "message", m.Message)
		if w.onEvent != nil {
			w.onEvent(m)
		}
	default:
		w.logger.Debug("ignoring message", "kind", env.Kind, "from", env.From)
	}
}

func (w *Worker) start(ctx context.Context, task transport.AssignTask) {
	logger := w.logger.WithTask(task.TaskID)

	w.mu.Lock()
	if w.stopping || w.base == nil {
		w.mu.Unlock()
		logger.Debug("assignment ignored while not running")
		return
	}
	if _, dup := w.running[task.TaskID]; dup {
		w.mu.Unlock()
		logger.Debug("duplicate assignment ignored")
		return
	}
	if limit := w.cfg.MaxConcurrentTasks; limit > 0 && len(w.running) >= limit {
		w.mu.Unlock()
		logger.Warn("assignment over capacity", "running", limit)
		w.report(ctx, transport.StatusReport{TaskID: task.TaskID, Status: transport.ReportFailed, Error: errors.ErrWorkerSaturated.Error()})
		return
	}
	// Tasks outlive the delivery; Run's context cancels them.
	taskCtx, cancel := context.WithCancel(w.base)
	r := &run{cancel: cancel}
	w.running[task.TaskID] = r
	w.tasks.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.tasks.Done()
		defer cancel()
		w.execute(taskCtx, task, r)
	}()
}

func (w *Worker) execute(ctx context.Context, task transport.AssignTask, r *run) {
	logger := w.logger.WithTask(task.TaskID)
	started := w.now()
	w.report(ctx, transport.StatusReport{TaskID: task.TaskID, Status: transport.ReportInProgress})

	progress := func(p int) {
		w.report(ctx, transport.StatusReport{TaskID: task.TaskID, Status: transport.ReportInProgress, Progress: min(max(p, 0), 100)})
	}
	res, err := w.handler.Execute(ctx, task, progress)

	w.mu.Lock()
	delete(w.running, task.TaskID)
	canceled := r.canceled || ctx.Err() != nil
	elapsed := float64(w.now().Sub(started).Milliseconds())
	if w.responseMs == 0 {
		w.responseMs = elapsed
	} else {
		w.responseMs = responseAlpha*elapsed + (1-responseAlpha)*w.responseMs
	}
	if err != nil && !canceled && !errors.Is(err, ErrBlocked) {
		w.errorCount++
	}
	w.mu.Unlock()

	report := transport.StatusReport{TaskID: task.TaskID}
	switch {
	case canceled:
		report.Status = transport.ReportCancelled
	case err == nil:
		report.Status = transport.ReportCompleted
		report.Progress = 100
		report.Artifacts = res.Artifacts
	case errors.Is(err, ErrBlocked):
		report.Status = transport.ReportBlocked
		report.Error = err.Error()
	default:
		report.Status = transport.ReportFailed
		report.Error = err.Error()
	}
	logger.Info("task finished", "status", report.Status, "elapsed_ms", elapsed)
	// The task context may already be canceled; the final report must
	// still go out.
	w.report(context.WithoutCancel(ctx), report)
}

func (w *Worker) report(ctx context.Context, r transport.StatusReport) {
	r.WorkerID = w.cfg.ID
	if err := w.tr.Send(ctx, transport.CoordinatorChannel, r); err != nil {
		w.logger.Warn("status report failed", "task_id", r.TaskID, "status", r.Status, "error", err)
	}
}

// Cancel stops a running task. It reports whether the task was running.
func (w *Worker) Cancel(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.running[taskID]
	if !ok {
		return false
	}
	r.canceled = true
	r.cancel()
	return true
}

// Running returns the IDs of tasks in progress.
func (w *Worker) Running() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
