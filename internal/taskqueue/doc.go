// Package taskqueue holds the coordinator's tasks and decides which task a
// worker should run next.
//
// Pending tasks are kept in an ordered set keyed by a priority score that
// combines the declared priority, the task's age, its dependency count and
// its estimated duration. Scores are refreshed on every sweep so waiting
// tasks gain urgency over time. A task is only handed out once every task
// it depends on has completed.
//
// Status changes follow a fixed graph (see [CanTransition]); [Queue.Block]
// and [Queue.RecordAssignmentFailure] park tasks outside the active set and
// [Queue.SweepBlocked] returns them once their block expires.
//
// Worker selection is pluggable: [NewStrategy] returns one of the built-in
// strategies (round_robin, skill_based, load_balanced, priority_based), each
// a scoring function over eligible candidates.
//
// Usage:
//
//	q := taskqueue.New(taskqueue.WithMaxAttempts(3))
//	task, err := q.Enqueue(taskqueue.Task{ID: "t-1", Priority: taskqueue.PriorityHigh})
//
//	strategy, _ := taskqueue.NewStrategy(taskqueue.StrategySkillBased, q.Kinds())
//	if i := strategy.Select(task, candidates); i >= 0 {
//	    task, err = q.Assign(task.ID, candidates[i].ID)
//	}
//
// The queue can be snapshotted to disk with [Queue.SaveState] and restored
// with [LoadState] across coordinator restarts.
package taskqueue
