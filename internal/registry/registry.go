// Package registry tracks the workers known to the coordinator: their
// capabilities, load, health and performance history.
//
// A Registry is safe for concurrent use. Every accessor returns a copy of
// the stored Worker so callers can never mutate registry state directly.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

// Registration defaults for a newly seen worker.
const (
	DefaultSuccessRate  = 100.0
	DefaultQualityScore = 85.0
	defaultMaxTasks     = 3
)

// Stats is a worker's running performance record.
type Stats struct {
	SuccessRate          float64 `json:"success_rate"`
	AvgCompletionMinutes float64 `json:"avg_completion_minutes"`
	QualityScore         float64 `json:"quality_score"`
	TasksCompleted       int     `json:"tasks_completed"`
	TasksFailed          int     `json:"tasks_failed"`
	qualitySamples       int
}

// Health is the self-reported resource usage carried by heartbeats.
type Health struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	ErrorCount     int     `json:"error_count"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

// Worker is a registered worker.
type Worker struct {
	ID                 string    `json:"id"`
	Type               string    `json:"type"`
	Capabilities       []string  `json:"capabilities"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	CurrentLoad        float64   `json:"current_load"`
	ActiveTaskIDs      []string  `json:"active_task_ids"`
	LastHeartbeat      time.Time `json:"last_heartbeat"`
	RegisteredAt       time.Time `json:"registered_at"`
	Stats              Stats     `json:"stats"`
	Health             Health    `json:"health"`
	Online             bool      `json:"online"`
}

// HasCapability reports whether the worker advertises capability c.
func (w Worker) HasCapability(c string) bool {
	return slices.Contains(w.Capabilities, c)
}

// HasCapacity reports whether another task may be attached.
func (w Worker) HasCapacity() bool {
	return len(w.ActiveTaskIDs) < w.MaxConcurrentTasks
}

func (w *Worker) clone() Worker {
	cp := *w
	cp.Capabilities = slices.Clone(w.Capabilities)
	cp.ActiveTaskIDs = slices.Clone(w.ActiveTaskIDs)
	if cp.ActiveTaskIDs == nil {
		cp.ActiveTaskIDs = []string{}
	}
	return cp
}

func (w *Worker) recomputeLoad() {
	if w.MaxConcurrentTasks <= 0 {
		w.CurrentLoad = 100
		return
	}
	w.CurrentLoad = float64(len(w.ActiveTaskIDs)) / float64(w.MaxConcurrentTasks) * 100
}

// Expired describes a worker taken offline by SweepExpired.
type Expired struct {
	WorkerID      string
	LastHeartbeat time.Time
	// TaskIDs were active on the worker and must be handed back to the queue.
	TaskIDs []string
}

// Counts summarizes the registry population.
type Counts struct {
	Total  int `json:"total"`
	Online int `json:"online"`
	Busy   int `json:"busy"`
	Idle   int `json:"idle"`
	Failed int `json:"failed"`
}

// Outcome is a finished task's contribution to a worker's Stats.
type Outcome struct {
	Success           bool
	CompletionMinutes float64
}

// Registry holds the authoritative worker map.
type Registry struct {
	mu         sync.Mutex
	workers    map[string]*Worker
	defaultMax int
	now        func() time.Time
	logger     *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l.WithComponent("registry") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDefaultMaxConcurrent sets the capacity of workers that register
// without one.
func WithDefaultMaxConcurrent(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultMax = n
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers:    make(map[string]*Worker),
		defaultMax: defaultMaxTasks,
		now:        time.Now,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultMaxConcurrent changes the capacity used by later registrations.
func (r *Registry) SetDefaultMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultMax = n
}

// Register adds a worker or refreshes an existing one. Registration is
// idempotent: a second call with the same ID updates type, capabilities
// and capacity in place, marks the worker online and clears its active
// task list (load 0). Callers that need to reclaim those tasks should read
// them with Get first. Performance stats survive re-registration.
func (r *Registry) Register(id, workerType string, capabilities []string, maxConcurrent int) (Worker, error) {
	if id == "" {
		return Worker{}, errors.NewValidationError("worker id is required").WithField("id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxConcurrent <= 0 {
		maxConcurrent = r.defaultMax
	}
	now := r.now()
	caps := dedupe(capabilities)

	w, exists := r.workers[id]
	if !exists {
		w = &Worker{
			ID:           id,
			RegisteredAt: now,
			Stats: Stats{
				SuccessRate:  DefaultSuccessRate,
				QualityScore: DefaultQualityScore,
			},
		}
		r.workers[id] = w
	}
	w.Type = workerType
	w.Capabilities = caps
	w.MaxConcurrentTasks = maxConcurrent
	w.ActiveTaskIDs = []string{}
	w.CurrentLoad = 0
	w.LastHeartbeat = now
	w.Online = true

	r.logger.Info("worker registered",
		"worker_id", id,
		"type", workerType,
		"capabilities", len(caps),
		"reregistered", exists,
	)
	return w.clone(), nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat records a heartbeat. It returns true when the worker was
// offline and has come back.
func (r *Registry) Heartbeat(id string, health Health) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", errors.ErrWorkerNotFound, id)
	}
	revived := !w.Online
	w.LastHeartbeat = r.now()
	w.Health = health
	w.Online = true
	if revived {
		r.logger.Info("worker back online", "worker_id", id)
	}
	return revived, nil
}

// SweepExpired marks workers whose last heartbeat is older than timeout as
// offline. Their active tasks are detached and returned so the caller can
// requeue them.
func (r *Registry) SweepExpired(now time.Time, timeout time.Duration) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Expired
	for _, id := range r.sortedIDs() {
		w := r.workers[id]
		if !w.Online || now.Sub(w.LastHeartbeat) <= timeout {
			continue
		}
		expired = append(expired, Expired{
			WorkerID:      id,
			LastHeartbeat: w.LastHeartbeat,
			TaskIDs:       slices.Clone(w.ActiveTaskIDs),
		})
		w.Online = false
		w.ActiveTaskIDs = []string{}
		w.CurrentLoad = 0
		r.logger.Warn("worker expired",
			"worker_id", id,
			"last_heartbeat", w.LastHeartbeat,
			"reclaimed", len(expired[len(expired)-1].TaskIDs),
		)
	}
	return expired
}

// AttachTask records taskID as active on the worker and recomputes load.
// Attaching a task that is already active is a no-op.
func (r *Registry) AttachTask(workerID, taskID string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return Worker{}, fmt.Errorf("%w: %s", errors.ErrWorkerNotFound, workerID)
	}
	if slices.Contains(w.ActiveTaskIDs, taskID) {
		return w.clone(), nil
	}
	if !w.Online {
		return Worker{}, fmt.Errorf("%w: %s", errors.ErrWorkerOffline, workerID)
	}
	if !w.HasCapacity() {
		return Worker{}, fmt.Errorf("%w: %s", errors.ErrWorkerSaturated, workerID)
	}
	w.ActiveTaskIDs = append(w.ActiveTaskIDs, taskID)
	w.recomputeLoad()
	return w.clone(), nil
}

// DetachTask removes taskID from the worker's active list. Unknown workers
// and tasks are ignored.
func (r *Registry) DetachTask(workerID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if i := slices.Index(w.ActiveTaskIDs, taskID); i >= 0 {
		w.ActiveTaskIDs = slices.Delete(w.ActiveTaskIDs, i, i+1)
		w.recomputeLoad()
	}
}

// RecordOutcome folds a finished task into the worker's stats.
func (r *Registry) RecordOutcome(workerID string, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrWorkerNotFound, workerID)
	}
	s := &w.Stats
	if o.Success {
		s.TasksCompleted++
		n := float64(s.TasksCompleted)
		s.AvgCompletionMinutes = (s.AvgCompletionMinutes*(n-1) + o.CompletionMinutes) / n
	} else {
		s.TasksFailed++
	}
	total := s.TasksCompleted + s.TasksFailed
	s.SuccessRate = float64(s.TasksCompleted) / float64(total) * 100
	return nil
}

// RecordQuality folds a quality gate score into the worker's rolling
// quality average. The registration default counts as the first sample.
func (r *Registry) RecordQuality(workerID string, score float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrWorkerNotFound, workerID)
	}
	s := &w.Stats
	s.qualitySamples++
	n := float64(s.qualitySamples + 1)
	s.QualityScore = (s.QualityScore*(n-1) + score) / n
	return nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.clone(), true
}

// List returns copies of all workers ordered by ID.
func (r *Registry) List() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Worker, 0, len(r.workers))
	for _, id := range r.sortedIDs() {
		out = append(out, r.workers[id].clone())
	}
	return out
}

// Online returns copies of the online workers ordered by ID.
func (r *Registry) Online() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Worker
	for _, id := range r.sortedIDs() {
		if w := r.workers[id]; w.Online {
			out = append(out, w.clone())
		}
	}
	return out
}

// Counts returns the population summary. Busy means load above 50%, idle
// means no active tasks, failed means offline.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Counts{Total: len(r.workers)}
	for _, w := range r.workers {
		if !w.Online {
			continue
		}
		c.Online++
		switch {
		case w.CurrentLoad > 50:
			c.Busy++
		case w.CurrentLoad == 0:
			c.Idle++
		}
	}
	c.Failed = c.Total - c.Online
	return c
}

// Capacity returns the sum of MaxConcurrentTasks over online workers.
func (r *Registry) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, w := range r.workers {
		if w.Online {
			n += w.MaxConcurrentTasks
		}
	}
	return n
}

// must be called with r.mu held
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
