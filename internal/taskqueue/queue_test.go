package taskqueue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/registry"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(opts ...Option) (*Queue, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return New(append([]Option{WithClock(clk.now)}, opts...)...), clk
}

func task(id string, p Priority, deps ...string) Task {
	return Task{ID: id, Title: id, Kind: GeneralKind, Priority: p, Dependencies: deps}
}

func worker(id string) registry.Worker {
	return registry.Worker{
		ID:                 id,
		Type:               "backend",
		Capabilities:       []string{"go"},
		MaxConcurrentTasks: 4,
		Online:             true,
		Stats:              registry.Stats{SuccessRate: 100, QualityScore: 85},
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _ := newTestQueue()

	_, err := q.Enqueue(Task{Priority: PriorityLow})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = q.Enqueue(Task{ID: "a", Priority: "urgent"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = q.Enqueue(task("a", PriorityLow, "missing"))
	assert.ErrorIs(t, err, errors.ErrTaskNotFound)

	_, err = q.Enqueue(task("a", PriorityLow, "a"))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = q.Enqueue(task("a", PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(task("a", PriorityLow))
	assert.ErrorIs(t, err, errors.ErrTaskExists)
}

func TestEnqueue_SetsPendingAndScore(t *testing.T) {
	q, clk := newTestQueue()

	got, err := q.Enqueue(Task{ID: "a", Priority: PriorityCritical, EstimatedMinutes: 15, Status: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, clk.t, got.CreatedAt)
	assert.Equal(t, 1000+100+50, got.Score)
}

func TestPending_PriorityOrder(t *testing.T) {
	q, _ := newTestQueue()
	for _, tk := range []Task{
		task("low", PriorityLow),
		task("critical", PriorityCritical),
		task("medium", PriorityMedium),
		task("high", PriorityHigh),
		task("medium-2", PriorityMedium),
	} {
		_, err := q.Enqueue(tk)
		require.NoError(t, err)
	}

	var ids []string
	for _, tk := range q.Pending() {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"critical", "high", "medium", "medium-2", "low"}, ids)
}

func TestDequeueFor_CriticalBeforeLow(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("B", PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(task("A", PriorityCritical))
	require.NoError(t, err)

	w := worker("w-1")
	first, ok := q.DequeueFor(w)
	require.True(t, ok)
	assert.Equal(t, "A", first.ID)
	assert.Equal(t, StatusAssigned, first.Status)
	assert.Equal(t, "w-1", first.AssignedWorkerID)

	second, ok := q.DequeueFor(w)
	require.True(t, ok)
	assert.Equal(t, "B", second.ID)

	_, ok = q.DequeueFor(w)
	assert.False(t, ok)
}

func TestDequeueFor_RespectsDependencies(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("base", PriorityLow))
	require.NoError(t, err)
	_, err = q.Enqueue(task("child", PriorityCritical, "base"))
	require.NoError(t, err)

	w := worker("w-1")
	got, ok := q.DequeueFor(w)
	require.True(t, ok)
	assert.Equal(t, "base", got.ID, "child must wait for its dependency")

	_, ok = q.DequeueFor(w)
	assert.False(t, ok)

	_, err = q.Assign("child", "w-1")
	assert.ErrorIs(t, err, errors.ErrDependencyNotMet)

	_, _, err = q.Transition("base", StatusInProgress, "")
	require.NoError(t, err)
	_, _, err = q.Transition("base", StatusCompleted, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"child"}, q.UnblockedBy("base"))
	assert.Equal(t, []string{"child"}, q.Dependents("base"))

	got, ok = q.DequeueFor(w)
	require.True(t, ok)
	assert.Equal(t, "child", got.ID)
}

func TestDequeueFor_SaturatedWorker(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	w := worker("w-1")
	w.CurrentLoad = 90
	_, ok := q.DequeueFor(w)
	assert.False(t, ok)
}

func TestDequeueFor_Skills(t *testing.T) {
	q, _ := newTestQueue()
	tk := task("rust", PriorityHigh)
	tk.RequiredSkills = []string{"rust"}
	_, err := q.Enqueue(tk)
	require.NoError(t, err)

	_, ok := q.DequeueFor(worker("w-1"))
	assert.False(t, ok)

	w := worker("w-2")
	w.Capabilities = []string{"rust", "go"}
	got, ok := q.DequeueFor(w)
	require.True(t, ok)
	assert.Equal(t, "rust", got.ID)
}

func TestTransition_LegalGraph(t *testing.T) {
	tests := []struct {
		from, to Status
		legal    bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusBlocked, true},
		{StatusFailed, StatusPending, true},
		{StatusBlocked, StatusPending, true},
		{StatusPending, StatusCompleted, false},
		{StatusAssigned, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	q, clk := newTestQueue()
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	_, _, err = q.Transition("a", StatusCompleted, "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, _, err = q.Transition("a", StatusAssigned, "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "assignment must go through Assign")

	_, err = q.Assign("a", "w-1")
	require.NoError(t, err)
	assert.Empty(t, q.Pending())

	clk.advance(time.Minute)
	got, from, err := q.Transition("a", StatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, from)
	assert.Equal(t, clk.t, got.StartedAt)

	got, _, err = q.Transition("a", StatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.LastError)

	got, _, err = q.Transition("a", StatusPending, "retry")
	require.NoError(t, err)
	assert.Empty(t, got.AssignedWorkerID)
	assert.Len(t, q.Pending(), 1)

	_, err = q.Assign("a", "w-2")
	require.NoError(t, err)
	_, _, err = q.Transition("a", StatusInProgress, "")
	require.NoError(t, err)
	got, _, err = q.Transition("a", StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, clk.t, got.CompletedAt)
	assert.Equal(t, 100, got.Progress)

	_, _, err = q.Transition("a", StatusPending, "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "completed is terminal")
}

func TestBlockAndSweep(t *testing.T) {
	q, clk := newTestQueue(WithBlockDuration(30 * time.Minute))
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	got, err := q.Block("a", "waiting on review", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, clk.t.Add(30*time.Minute), got.BlockedUntil)
	assert.Empty(t, q.Pending())

	_, ok := q.DequeueFor(worker("w-1"))
	assert.False(t, ok, "blocked tasks are not dequeued")

	clk.advance(29 * time.Minute)
	assert.Empty(t, q.SweepBlocked(clk.t).Unblocked)

	clk.advance(time.Minute)
	res := q.SweepBlocked(clk.t)
	assert.Equal(t, []string{"a"}, res.Unblocked)

	got, _ = q.Get("a")
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.BlockedReason)
}

func TestUnblock(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	_, err = q.Unblock("a")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = q.Block("a", "manual", time.Time{})
	require.NoError(t, err)
	got, err := q.Unblock("a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestRecordAssignmentFailure_Cooldown(t *testing.T) {
	q, clk := newTestQueue(WithMaxAttempts(3), WithCooldown(time.Hour))
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		blocked, err := q.RecordAssignmentFailure("a", "no eligible worker")
		require.NoError(t, err)
		assert.False(t, blocked)
	}
	blocked, err := q.RecordAssignmentFailure("a", "no eligible worker")
	require.NoError(t, err)
	assert.True(t, blocked)

	got, _ := q.Get("a")
	assert.Equal(t, StatusBlocked, got.Status)
	assert.Equal(t, CooldownReason, got.BlockedReason)
	assert.Equal(t, clk.t.Add(time.Hour), got.BlockedUntil)

	clk.advance(time.Hour)
	q.SweepBlocked(clk.t)
	got, _ = q.Get("a")
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts, "cooldown resets the attempt counter")
}

func TestSweepBlocked_ResetsStaleAttempts(t *testing.T) {
	q, clk := newTestQueue(WithAttemptWindow(5 * time.Minute))
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	_, err = q.RecordAssignmentFailure("a", "no eligible worker")
	require.NoError(t, err)

	clk.advance(4 * time.Minute)
	assert.Empty(t, q.SweepBlocked(clk.t).AttemptsReset)

	clk.advance(2 * time.Minute)
	assert.Equal(t, []string{"a"}, q.SweepBlocked(clk.t).AttemptsReset)
	got, _ := q.Get("a")
	assert.Zero(t, got.Attempts)
}

func TestSweepBlocked_RefreshesUrgency(t *testing.T) {
	q, clk := newTestQueue()
	_, err := q.Enqueue(task("old-low", PriorityLow))
	require.NoError(t, err)

	clk.advance(2 * time.Hour)
	_, err = q.Enqueue(task("new-medium", PriorityMedium))
	require.NoError(t, err)

	// Both score 600 after the refresh; submission order breaks the tie.
	q.SweepBlocked(clk.t)
	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "old-low", pending[0].ID)
	assert.Equal(t, 600, pending[0].Score)
	assert.Equal(t, 600, pending[1].Score)
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)
	_, err = q.Enqueue(task("b", PriorityHigh))
	require.NoError(t, err)

	got, err := q.Cancel("a", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Len(t, q.Pending(), 1)

	_, err = q.Assign("b", "w-1")
	require.NoError(t, err)
	_, err = q.Cancel("b", "")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "held tasks need the worker to be signalled")

	_, _, err = q.Transition("b", StatusCancelled, "cancelled by caller")
	require.NoError(t, err)

	c := q.Counts()
	assert.Equal(t, Counts{Total: 2, Cancelled: 2}, c)
}

func TestUpdateProgress(t *testing.T) {
	q, _ := newTestQueue()
	_, err := q.Enqueue(task("a", PriorityHigh))
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress("a", 140, []string{"pr/12"}))
	got, _ := q.Get("a")
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []string{"pr/12"}, got.Result)

	assert.ErrorIs(t, q.UpdateProgress("nope", 1, nil), errors.ErrTaskNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	q, _ := newTestQueue()
	tk := task("a", PriorityHigh)
	tk.Files.Modify = []string{"a.go"}
	_, err := q.Enqueue(tk)
	require.NoError(t, err)

	got, _ := q.Get("a")
	got.Files.Modify[0] = "mutated.go"
	got.Status = StatusCompleted

	again, _ := q.Get("a")
	assert.Equal(t, "a.go", again.Files.Modify[0])
	assert.Equal(t, StatusPending, again.Status)
}

func TestConcurrentDequeue_NoDoubleAssignment(t *testing.T) {
	q, _ := newTestQueue()
	for i := range 50 {
		_, err := q.Enqueue(task(fmt.Sprintf("t-%02d", i), PriorityMedium))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)
	for i := range 5 {
		w := worker(fmt.Sprintf("w-%d", i))
		wg.Go(func() {
			for {
				tk, ok := q.DequeueFor(w)
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := seen[tk.ID]; dup {
					t.Errorf("task %s assigned to %s and %s", tk.ID, prev, w.ID)
				}
				seen[tk.ID] = w.ID
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
