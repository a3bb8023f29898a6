package monitor

import (
	"slices"

	"github.com/Iron-Ham/taskmesh/internal/registry"
)

// Recommendation is advice derived from a worker's record.
type Recommendation struct {
	Type        string   `json:"type"`
	Priority    string   `json:"priority"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
}

// WorkerProfile summarizes one worker's performance.
type WorkerProfile struct {
	WorkerID        string           `json:"worker_id"`
	Online          bool             `json:"online"`
	Stats           registry.Stats   `json:"stats"`
	Utilization     float64          `json:"utilization"`
	Trends          map[string]Trend `json:"trends"`
	Recommendations []Recommendation `json:"recommendations"`
}

type profileRule struct {
	applies func(WorkerProfile) bool
	rec     Recommendation
}

var profileRules = []profileRule{
	{
		applies: func(p WorkerProfile) bool { return p.Stats.AvgCompletionMinutes > 120 },
		rec: Recommendation{
			Type:        "optimization",
			Priority:    "high",
			Title:       "Improve task completion speed",
			Description: "Average completion time is above 120 minutes",
			Actions: []string{
				"Identify bottlenecks in the current workflow",
				"Split long tasks into smaller ones",
				"Route long-running kinds to specialized workers",
			},
		},
	},
	{
		applies: func(p WorkerProfile) bool { return p.Stats.QualityScore < 80 },
		rec: Recommendation{
			Type:        "training",
			Priority:    "medium",
			Title:       "Enhance code quality",
			Description: "Quality score is below 80",
			Actions: []string{
				"Review the issues from recent quality gate failures",
				"Enable additional verifiers for this worker's task kinds",
			},
		},
	},
	{
		applies: func(p WorkerProfile) bool { return p.Online && p.Utilization < 60 },
		rec: Recommendation{
			Type:        "workload_adjustment",
			Priority:    "medium",
			Title:       "Increase task assignment",
			Description: "Utilization is below 60%",
			Actions: []string{
				"Assign additional tasks based on capacity",
				"Broaden the worker's advertised capabilities",
			},
		},
	},
}

// WorkerProfile builds a worker's profile. Utilization is the mean load
// over the trend window, or the current load before any collection.
func (m *Monitor) WorkerProfile(w registry.Worker) WorkerProfile {
	m.mu.RLock()
	util := w.CurrentLoad
	if s, ok := m.series[WorkerSeries(w.ID, "load")]; ok && s.Len() > 0 {
		util = mean(s.Last(m.trendWindow))
	}
	trends := make(map[string]Trend)
	for _, f := range []string{"cpu", "memory", "response_time", "quality"} {
		name := WorkerSeries(w.ID, f)
		if _, ok := m.series[name]; ok {
			trends[f] = m.trend(name)
		}
	}
	m.mu.RUnlock()

	p := WorkerProfile{
		WorkerID:    w.ID,
		Online:      w.Online,
		Stats:       w.Stats,
		Utilization: util,
		Trends:      trends,
	}
	for _, r := range profileRules {
		if r.applies(p) {
			rec := r.rec
			rec.Actions = slices.Clone(rec.Actions)
			p.Recommendations = append(p.Recommendations, rec)
		}
	}
	return p
}
