package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.now)), clk
}

func TestRegister_Defaults(t *testing.T) {
	r, clk := newTestRegistry()

	w, err := r.Register("w-1", "backend", []string{"go", "sql", "go"}, 0)
	require.NoError(t, err)

	assert.Equal(t, "backend", w.Type)
	assert.Equal(t, []string{"go", "sql"}, w.Capabilities)
	assert.Equal(t, defaultMaxTasks, w.MaxConcurrentTasks)
	assert.Equal(t, DefaultSuccessRate, w.Stats.SuccessRate)
	assert.Equal(t, DefaultQualityScore, w.Stats.QualityScore)
	assert.True(t, w.Online)
	assert.Equal(t, clk.t, w.LastHeartbeat)
	assert.Empty(t, w.ActiveTaskIDs)
}

func TestRegister_RequiresID(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("", "backend", nil, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestRegister_Idempotent(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.Register("w-1", "backend", []string{"go"}, 2)
	require.NoError(t, err)
	_, err = r.AttachTask("w-1", "t-1")
	require.NoError(t, err)
	require.NoError(t, r.RecordOutcome("w-1", Outcome{Success: true, CompletionMinutes: 10}))

	w, err := r.Register("w-1", "backend", []string{"go", "docker"}, 4)
	require.NoError(t, err)

	assert.Len(t, r.List(), 1, "re-registration must not duplicate the worker")
	assert.Empty(t, w.ActiveTaskIDs, "re-registration must not duplicate the active task list")
	assert.Zero(t, w.CurrentLoad)
	assert.Equal(t, 4, w.MaxConcurrentTasks)
	assert.Equal(t, []string{"go", "docker"}, w.Capabilities)
	assert.Equal(t, 1, w.Stats.TasksCompleted, "stats survive re-registration")
}

func TestHeartbeat(t *testing.T) {
	r, clk := newTestRegistry()

	_, err := r.Heartbeat("missing", Health{})
	assert.ErrorIs(t, err, errors.ErrWorkerNotFound)

	_, err = r.Register("w-1", "backend", nil, 1)
	require.NoError(t, err)

	clk.advance(10 * time.Second)
	revived, err := r.Heartbeat("w-1", Health{CPU: 42, Memory: 10})
	require.NoError(t, err)
	assert.False(t, revived)

	w, ok := r.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, clk.t, w.LastHeartbeat)
	assert.Equal(t, 42.0, w.Health.CPU)
}

func TestSweepExpired(t *testing.T) {
	r, clk := newTestRegistry()
	interval := 30 * time.Second

	_, err := r.Register("w-1", "backend", nil, 2)
	require.NoError(t, err)
	_, err = r.Register("w-2", "backend", nil, 2)
	require.NoError(t, err)
	_, err = r.AttachTask("w-1", "t-1")
	require.NoError(t, err)

	clk.advance(2 * interval)
	_, err = r.Heartbeat("w-2", Health{})
	require.NoError(t, err)

	assert.Empty(t, r.SweepExpired(clk.t, 3*interval), "two missed heartbeats are tolerated")

	clk.advance(interval + time.Second)
	expired := r.SweepExpired(clk.t, 3*interval)
	require.Len(t, expired, 1)
	assert.Equal(t, "w-1", expired[0].WorkerID)
	assert.Equal(t, []string{"t-1"}, expired[0].TaskIDs)

	w, _ := r.Get("w-1")
	assert.False(t, w.Online)
	assert.Empty(t, w.ActiveTaskIDs)

	assert.Empty(t, r.SweepExpired(clk.t, 3*interval), "offline workers are not expired twice")

	revived, err := r.Heartbeat("w-1", Health{})
	require.NoError(t, err)
	assert.True(t, revived)
}

func TestAttachDetach(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("w-1", "backend", nil, 2)
	require.NoError(t, err)

	w, err := r.AttachTask("w-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, w.CurrentLoad)

	w, err = r.AttachTask("w-1", "t-1")
	require.NoError(t, err)
	assert.Len(t, w.ActiveTaskIDs, 1, "attach is idempotent")

	_, err = r.AttachTask("w-1", "t-2")
	require.NoError(t, err)
	_, err = r.AttachTask("w-1", "t-3")
	assert.ErrorIs(t, err, errors.ErrWorkerSaturated)

	r.DetachTask("w-1", "t-1")
	w, _ = r.Get("w-1")
	assert.Equal(t, []string{"t-2"}, w.ActiveTaskIDs)
	assert.Equal(t, 50.0, w.CurrentLoad)

	_, err = r.AttachTask("nope", "t-1")
	assert.ErrorIs(t, err, errors.ErrWorkerNotFound)
}

func TestRecordOutcome(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("w-1", "backend", nil, 2)
	require.NoError(t, err)

	require.NoError(t, r.RecordOutcome("w-1", Outcome{Success: true, CompletionMinutes: 10}))
	require.NoError(t, r.RecordOutcome("w-1", Outcome{Success: true, CompletionMinutes: 30}))
	require.NoError(t, r.RecordOutcome("w-1", Outcome{Success: false}))

	w, _ := r.Get("w-1")
	assert.Equal(t, 2, w.Stats.TasksCompleted)
	assert.Equal(t, 1, w.Stats.TasksFailed)
	assert.InDelta(t, 20.0, w.Stats.AvgCompletionMinutes, 0.001)
	assert.InDelta(t, 66.67, w.Stats.SuccessRate, 0.01)
}

func TestRecordQuality(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Register("w-1", "backend", nil, 2)
	require.NoError(t, err)

	require.NoError(t, r.RecordQuality("w-1", 95))
	w, _ := r.Get("w-1")
	assert.InDelta(t, 90.0, w.Stats.QualityScore, 0.001)

	require.NoError(t, r.RecordQuality("w-1", 60))
	w, _ = r.Get("w-1")
	assert.InDelta(t, 80.0, w.Stats.QualityScore, 0.001)
}

func TestCounts(t *testing.T) {
	r, clk := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Register(id, "backend", nil, 2)
		require.NoError(t, err)
	}
	_, _ = r.AttachTask("a", "t-1")
	_, _ = r.AttachTask("a", "t-2")
	_, _ = r.AttachTask("b", "t-3")

	clk.advance(time.Minute)
	_, _ = r.Heartbeat("a", Health{})
	_, _ = r.Heartbeat("b", Health{})
	r.SweepExpired(clk.t, 30*time.Second)

	c := r.Counts()
	assert.Equal(t, Counts{Total: 3, Online: 2, Busy: 1, Idle: 0, Failed: 1}, c)
	assert.Equal(t, 4, r.Capacity())
	assert.Len(t, r.Online(), 2)
}
