package taskqueue

import (
	"math"
	"time"

	"github.com/emirpasic/gods/utils"
)

// Score terms.
const (
	noDependencyBonus  = 100
	perDependencyCost  = 50
	shortTaskMinutes   = 30
	shortTaskBonus     = 50
	longTaskMinutes    = 240
	longTaskPenalty    = 100
	maxUrgency         = 2.0
	urgencyRampMinutes = 60.0
)

// PriorityScore computes the scheduling score of t at now. Urgency grows
// linearly with age and doubles the base after an hour.
func PriorityScore(t Task, now time.Time) int {
	age := now.Sub(t.CreatedAt).Minutes()
	if age < 0 {
		age = 0
	}
	urgency := math.Min(1+age/urgencyRampMinutes, maxUrgency)

	score := float64(t.Priority.Base()) * urgency

	if len(t.Dependencies) == 0 {
		score += noDependencyBonus
	} else {
		score -= float64(perDependencyCost * len(t.Dependencies))
	}

	switch {
	case t.EstimatedMinutes > 0 && t.EstimatedMinutes <= shortTaskMinutes:
		score += shortTaskBonus
	case t.EstimatedMinutes >= longTaskMinutes:
		score -= longTaskPenalty
	}

	return int(math.Round(score))
}

// entry is a task's position in the active set.
type entry struct {
	id    string
	score int
	seq   uint64
}

// byPriority orders entries by descending score, then submission order.
var byPriority utils.Comparator = func(a, b interface{}) int {
	x, y := a.(entry), b.(entry)
	switch {
	case x.score > y.score:
		return -1
	case x.score < y.score:
		return 1
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	default:
		return utils.StringComparator(x.id, y.id)
	}
}
