package taskqueue

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/Iron-Ham/taskmesh/internal/registry"
)

// Strategy names.
const (
	StrategyRoundRobin    = "round_robin"
	StrategySkillBased    = "skill_based"
	StrategyLoadBalanced  = "load_balanced"
	StrategyPriorityBased = "priority_based"
)

// SaturatedLoad is the load at which a worker receives no further tasks.
const SaturatedLoad = 90.0

// GeneralKind is accepted by every worker type.
const GeneralKind = "general"

// KindTable maps task kinds to the worker types that handle them. A kind
// always matches a worker type of the same name.
type KindTable map[string][]string

// DefaultKindTable returns the built-in kind → worker type mapping.
func DefaultKindTable() KindTable {
	return KindTable{
		"unit_test":        {"testing"},
		"integration_test": {"testing"},
		"e2e_test":         {"testing"},
		"authentication":   {"security"},
		"authorization":    {"security"},
		"optimization":     {"performance"},
		"caching":          {"performance"},
		"deployment":       {"devops"},
		"infrastructure":   {"devops"},
		"monitoring":       {"devops"},
		"ci_cd":            {"devops"},
		"reporting":        {"analytics"},
		"dashboard":        {"analytics"},
		"data_sync":        {"data"},
		"migration":        {"data"},
		"real_time":        {"realtime"},
		"websocket":        {"realtime"},
		"push":             {"notification"},
		"email":            {"notification"},
	}
}

// Matches reports whether workerType is a specialist for kind.
func (kt KindTable) Matches(kind, workerType string) bool {
	if kind == workerType {
		return true
	}
	return slices.Contains(kt[kind], workerType)
}

// Eligible reports whether w may take t. Saturated and offline workers
// never qualify. A task with required skills needs all of them; otherwise
// the worker type must match the kind, or the kind must be general.
func (kt KindTable) Eligible(t Task, w registry.Worker) bool {
	if !w.Online || w.CurrentLoad >= SaturatedLoad || !w.HasCapacity() {
		return false
	}
	if len(t.RequiredSkills) > 0 {
		for _, s := range t.RequiredSkills {
			if !w.HasCapability(s) {
				return false
			}
		}
		return true
	}
	return t.Kind == GeneralKind || t.Kind == "" || kt.Matches(t.Kind, w.Type)
}

// Strategy picks one worker for a task from eligible candidates.
type Strategy interface {
	Name() string
	// Select returns the chosen worker's index in candidates, or -1.
	Select(t Task, candidates []registry.Worker) int
}

// scoreFunc ranks a candidate; the highest score wins, ties go to the
// earlier candidate.
type scoreFunc func(kt KindTable, t Task, w registry.Worker) float64

type scoredStrategy struct {
	name  string
	kinds KindTable
	score scoreFunc
}

func (s scoredStrategy) Name() string { return s.name }

func (s scoredStrategy) Select(t Task, candidates []registry.Worker) int {
	best, bestScore := -1, math.Inf(-1)
	for i, w := range candidates {
		if sc := s.score(s.kinds, t, w); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	return best
}

// strategies is the table of built-in strategies keyed by name.
var strategies = map[string]scoreFunc{
	StrategyRoundRobin:    roundRobinScore,
	StrategySkillBased:    skillScore,
	StrategyLoadBalanced:  loadBalancedScore,
	StrategyPriorityBased: priorityScore,
}

// StrategyNames returns the registered strategy names, sorted.
func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewStrategy returns the named strategy.
func NewStrategy(name string, kinds KindTable) (Strategy, error) {
	fn, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown assignment strategy %q", name)
	}
	if kinds == nil {
		kinds = DefaultKindTable()
	}
	return scoredStrategy{name: name, kinds: kinds, score: fn}, nil
}

// roundRobinScore prefers the least loaded worker.
func roundRobinScore(_ KindTable, _ Task, w registry.Worker) float64 {
	return -w.CurrentLoad
}

// skillScore weighs track record and headroom, boosting specialists and
// workers that usually finish well inside the estimate.
func skillScore(kt KindTable, t Task, w registry.Worker) float64 {
	s := w.Stats.SuccessRate*0.4 + (100-w.CurrentLoad)*0.3 + w.Stats.QualityScore*0.2
	if kt.Matches(t.Kind, w.Type) {
		s *= 1.5
	}
	if t.EstimatedMinutes > 0 && w.Stats.TasksCompleted > 0 &&
		w.Stats.AvgCompletionMinutes < 0.8*float64(t.EstimatedMinutes) {
		s += 20
	}
	return s
}

// capabilityScore is a 0..1 fitness of w for t.
func capabilityScore(kt KindTable, t Task, w registry.Worker) float64 {
	s := 0.5
	if kt.Matches(t.Kind, w.Type) {
		s += 0.3
	}
	s += w.Stats.SuccessRate / 100 * 0.4
	s += w.Stats.QualityScore / 100 * 0.3
	s += math.Min(float64(w.Stats.TasksCompleted)/10, 1) * 0.3
	return math.Min(s, 1)
}

func loadBalancedScore(kt KindTable, t Task, w registry.Worker) float64 {
	return 0.6*(100-w.CurrentLoad)/100 + 0.4*capabilityScore(kt, t, w)
}

// priorityScore sends urgent work to the most reliable worker and balances
// the rest.
func priorityScore(kt KindTable, t Task, w registry.Worker) float64 {
	if t.Priority == PriorityHigh || t.Priority == PriorityCritical {
		return w.Stats.SuccessRate
	}
	return loadBalancedScore(kt, t, w)
}
