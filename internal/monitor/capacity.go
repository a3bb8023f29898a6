package monitor

import (
	"fmt"
	"sync"
	"time"
)

// Action is a capacity recommendation.
type Action string

const (
	// ActionScaleUp recommends registering more workers.
	ActionScaleUp Action = "scale_up"

	// ActionScaleDown recommends retiring an idle worker.
	ActionScaleDown Action = "scale_down"

	// ActionNone indicates capacity matches demand.
	ActionNone Action = "none"
)

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// Decision is the capacity policy's verdict for one collection cycle.
type Decision struct {
	Action Action `json:"action"`

	// Delta is the number of workers to add (positive) or retire (negative).
	Delta int `json:"delta"`

	Reason string `json:"reason"`
}

// CapacityStatus is the demand and supply the policy weighs.
type CapacityStatus struct {
	Pending  int
	Capacity int
	Online   int
	Idle     int
}

// Default capacity policy values.
const (
	defaultBottleneckFactor = 2.0
	defaultMinWorkers       = 1
	defaultTasksPerWorker   = 3
	defaultCapacityCooldown = 5 * time.Minute
)

// CapacityOption configures a CapacityPolicy.
type CapacityOption func(*CapacityPolicy)

// WithBottleneckFactor sets how many pending tasks per capacity slot count
// as a bottleneck.
func WithBottleneckFactor(f float64) CapacityOption {
	return func(p *CapacityPolicy) { p.bottleneckFactor = f }
}

// WithMinWorkers sets the worker count below which scale-down is never
// recommended.
func WithMinWorkers(n int) CapacityOption {
	return func(p *CapacityPolicy) { p.minWorkers = n }
}

// WithCapacityCooldown sets the minimum time between non-none decisions.
func WithCapacityCooldown(d time.Duration) CapacityOption {
	return func(p *CapacityPolicy) { p.cooldown = d }
}

// WithCapacityClock overrides the policy's time source.
func WithCapacityClock(now func() time.Time) CapacityOption {
	return func(p *CapacityPolicy) { p.now = now }
}

// CapacityPolicy compares queued demand against worker capacity. It is
// safe for concurrent use.
type CapacityPolicy struct {
	mu               sync.Mutex
	bottleneckFactor float64
	minWorkers       int
	cooldown         time.Duration
	lastDecision     time.Time
	now              func() time.Time
}

// NewCapacityPolicy creates a policy; unset options use defaults.
func NewCapacityPolicy(opts ...CapacityOption) *CapacityPolicy {
	p := &CapacityPolicy{
		bottleneckFactor: defaultBottleneckFactor,
		minWorkers:       defaultMinWorkers,
		cooldown:         defaultCapacityCooldown,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bottleneck reports whether pending work exceeds the bottleneck factor
// times online capacity.
func (p *CapacityPolicy) Bottleneck(s CapacityStatus) bool {
	return s.Pending > 0 && float64(s.Pending) > p.bottleneckFactor*float64(s.Capacity)
}

// Evaluate recommends a worker count change. The cooldown keeps repeated
// cycles from issuing the same advice.
func (p *CapacityPolicy) Evaluate(s CapacityStatus) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.lastDecision.IsZero() && now.Sub(p.lastDecision) < p.cooldown {
		return Decision{Action: ActionNone, Reason: "cooldown period active"}
	}

	if p.Bottleneck(s) {
		perWorker := defaultTasksPerWorker
		if s.Online > 0 && s.Capacity > 0 {
			perWorker = max(s.Capacity/s.Online, 1)
		}
		shortfall := s.Pending - s.Capacity
		delta := max((shortfall+perWorker-1)/perWorker, 1)
		p.lastDecision = now
		return Decision{
			Action: ActionScaleUp,
			Delta:  delta,
			Reason: fmt.Sprintf("%d pending tasks for %d capacity slots across %d workers", s.Pending, s.Capacity, s.Online),
		}
	}

	if s.Pending == 0 && s.Idle > 1 && s.Online > p.minWorkers {
		p.lastDecision = now
		return Decision{
			Action: ActionScaleDown,
			Delta:  -1,
			Reason: fmt.Sprintf("no pending tasks with %d idle workers", s.Idle),
		}
	}

	return Decision{Action: ActionNone, Reason: "capacity matches demand"}
}
