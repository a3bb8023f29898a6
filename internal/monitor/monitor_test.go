package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/registry"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func healthyWorker(id string) registry.Worker {
	return registry.Worker{
		ID:                 id,
		Type:               "general",
		MaxConcurrentTasks: 3,
		Online:             true,
		Stats:              registry.Stats{SuccessRate: 100, QualityScore: 85},
		Health:             registry.Health{CPU: 20, Memory: 30, ResponseTimeMs: 500},
	}
}

func snapshotOf(workers ...registry.Worker) Snapshot {
	s := Snapshot{Workers: workers}
	for _, w := range workers {
		s.WorkerCounts.Total++
		if w.Online {
			s.WorkerCounts.Online++
			s.Capacity += w.MaxConcurrentTasks
			if w.CurrentLoad == 0 {
				s.WorkerCounts.Idle++
			}
		}
	}
	s.WorkerCounts.Failed = s.WorkerCounts.Total - s.WorkerCounts.Online
	return s
}

func byKey(alerts []Alert) map[string]Alert {
	out := map[string]Alert{}
	for _, a := range alerts {
		out[string(a.Type)+"/"+a.Source] = a
	}
	return out
}

func TestSeries_Bounded(t *testing.T) {
	s := NewSeries(3)
	at := time.Unix(0, 0)
	for i := range 5 {
		s.Add(float64(i+1), at.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []float64{3, 4, 5}, s.Last(0))
	assert.Equal(t, []float64{4, 5}, s.Last(2))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.Value)
	assert.Equal(t, at.Add(4*time.Second), latest.At)

	_, ok = NewSeries(0).Latest()
	assert.False(t, ok)
}

func TestComputeTrend(t *testing.T) {
	rising := []float64{10, 10, 10, 10, 10, 12, 12, 12, 12, 12}
	falling := []float64{12, 12, 12, 12, 12, 10, 10, 10, 10, 10}
	tests := []struct {
		name         string
		values       []float64
		higherBetter bool
		want         Trend
	}{
		{"rising cost degrades", rising, false, TrendDegrading},
		{"rising rate improves", rising, true, TrendImproving},
		{"falling cost improves", falling, false, TrendImproving},
		{"falling rate degrades", falling, true, TrendDegrading},
		{"small change is stable", []float64{100, 100, 103, 103}, false, TrendStable},
		{"single sample", []float64{5}, false, TrendStable},
		{"zero baseline", []float64{0, 0, 5, 5}, false, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTrend(tt.values, 5, tt.higherBetter))
		})
	}
}

func TestHigherIsBetter(t *testing.T) {
	assert.True(t, HigherIsBetter(SeriesTaskSuccessRate))
	assert.True(t, HigherIsBetter(SeriesSystemAvailability))
	assert.True(t, HigherIsBetter(WorkerSeries("w1", "quality")))
	assert.False(t, HigherIsBetter(SeriesSystemCPU))
	assert.False(t, HigherIsBetter(SeriesTaskCompletion))
}

func TestMonitor_CollectRecordsSeries(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	offline := healthyWorker("w2")
	offline.Online = false
	offline.Health.CPU = 99

	alerts := m.Collect(context.Background(), snapshotOf(w, offline))
	assert.Empty(t, alerts)

	assert.Len(t, m.Samples(WorkerSeries("w1", "cpu")), 1)
	assert.Empty(t, m.Samples(WorkerSeries("w2", "cpu")), "offline workers are not sampled")
	cpu := m.Samples(SeriesSystemCPU)
	require.Len(t, cpu, 1)
	assert.Equal(t, 20.0, cpu[0].Value)
	avail := m.Samples(SeriesSystemAvailability)
	require.Len(t, avail, 1)
	assert.Equal(t, 50.0, avail[0].Value)
	assert.Empty(t, m.Samples(SeriesTaskSuccessRate), "no finished tasks yet")
}

func TestMonitor_ThresholdAlerts(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Health.CPU = 90    // critical
	w.Health.Memory = 80 // warning, same (type, source)

	alerts := byKey(m.Collect(context.Background(), snapshotOf(w)))
	require.Contains(t, alerts, "resource_exhaustion/w1")
	require.Contains(t, alerts, "resource_exhaustion/system")

	a := alerts["resource_exhaustion/w1"]
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, 90.0, a.Value)
	assert.Equal(t, 85.0, a.Threshold)
	assert.Equal(t, WorkerSeries("w1", "cpu"), a.Metric)
	assert.NotEmpty(t, a.Actions)
	assert.Contains(t, a.Message, "above critical threshold")
	assert.Len(t, m.OpenAlerts(), 2)
}

func TestMonitor_LowerIsWorseThresholds(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Stats = registry.Stats{SuccessRate: 70, QualityScore: 70, TasksCompleted: 3, TasksFailed: 1, AvgCompletionMinutes: 20}

	alerts := byKey(m.Collect(context.Background(), snapshotOf(w)))
	require.Contains(t, alerts, "performance_degradation/w1")
	assert.Equal(t, SeverityCritical, alerts["performance_degradation/w1"].Severity)
	require.Contains(t, alerts, "quality_decline/w1")
	assert.Equal(t, SeverityWarning, alerts["quality_decline/w1"].Severity)
	require.Contains(t, alerts, "performance_degradation/system")
	assert.Contains(t, alerts["performance_degradation/system"].Message, "below critical threshold")
}

func TestMonitor_AlertsDeduplicated(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Health.CPU = 90

	first := m.Collect(context.Background(), snapshotOf(w))
	require.NotEmpty(t, first)
	second := m.Collect(context.Background(), snapshotOf(w))
	assert.Empty(t, second)
	assert.Len(t, m.OpenAlerts(), len(first))
}

func TestMonitor_WarningEscalatesInPlace(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Health.CPU = 75

	first := byKey(m.Collect(context.Background(), snapshotOf(w)))["resource_exhaustion/w1"]
	require.Equal(t, SeverityWarning, first.Severity)

	w.Health.CPU = 95
	second := byKey(m.Collect(context.Background(), snapshotOf(w)))["resource_exhaustion/w1"]
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, SeverityCritical, second.Severity)

	// A later warning never downgrades it.
	w.Health.CPU = 75
	m.Collect(context.Background(), snapshotOf(w))
	got, ok := m.Alert(first.ID)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, got.Severity)
}

func TestMonitor_ResolveAlert(t *testing.T) {
	clock := newTestClock()
	m := New(WithClock(clock.Now))
	w := healthyWorker("w1")
	w.Health.CPU = 90

	raised := byKey(m.Collect(context.Background(), snapshotOf(w)))["resource_exhaustion/w1"]
	resolved, err := m.ResolveAlert(raised.ID)
	require.NoError(t, err)
	assert.False(t, resolved.Open())
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, clock.Now(), *resolved.ResolvedAt)

	again, err := m.ResolveAlert(raised.ID)
	require.NoError(t, err)
	assert.Equal(t, resolved.ResolvedAt, again.ResolvedAt)

	// The condition persists, so a new alert is opened.
	reraised := byKey(m.Collect(context.Background(), snapshotOf(w)))["resource_exhaustion/w1"]
	assert.NotEqual(t, raised.ID, reraised.ID)

	_, err = m.ResolveAlert("missing")
	assert.Error(t, err)
}

func TestMonitor_ResolvedAlertsPruned(t *testing.T) {
	clock := newTestClock()
	m := New(WithClock(clock.Now))
	a, changed := m.Raise(AlertSpec{Type: AlertEscalation, Severity: SeverityCritical, Source: "conflict-1", Message: "schema conflict"})
	require.True(t, changed)
	_, err := m.ResolveAlert(a.ID)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	m.Collect(context.Background(), Snapshot{})
	_, ok := m.Alert(a.ID)
	assert.False(t, ok)
	assert.Empty(t, m.Alerts())
}

func TestMonitor_BottleneckAlert(t *testing.T) {
	m := New()
	snap := snapshotOf(healthyWorker("w1"))
	snap.Tasks = taskqueue.Counts{Pending: 7, Total: 7}

	alerts := byKey(m.Collect(context.Background(), snap))
	require.Contains(t, alerts, "bottleneck_detected/queue")
	a := alerts["bottleneck_detected/queue"]
	assert.Equal(t, SeverityWarning, a.Severity)
	assert.Equal(t, 7.0, a.Value)
	assert.Equal(t, 3.0, a.Threshold)

	health := m.SystemHealth(snap)
	assert.Equal(t, ActionScaleUp, health.Scaling.Action)
	assert.Equal(t, 2, health.Scaling.Delta)
}

func TestMonitor_BottleneckWithoutCapacityIsCritical(t *testing.T) {
	m := New()
	alerts := m.Collect(context.Background(), Snapshot{Tasks: taskqueue.Counts{Pending: 1}})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestMonitor_TrendAlert(t *testing.T) {
	m := New()
	for i := range 10 {
		m.Record(SeriesSystemResponseTime, float64(1000+i*200))
	}
	assert.Equal(t, TrendDegrading, m.Trend(SeriesSystemResponseTime))

	alerts := m.Collect(context.Background(), Snapshot{})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPerformanceDegradation, alerts[0].Type)
	assert.Equal(t, SeriesSystemResponseTime, alerts[0].Metric)
	assert.Equal(t, "system", alerts[0].Source)
}

func TestMonitor_HostSampler(t *testing.T) {
	m := New(WithHostSampler(fakeHost{stats: HostStats{CPU: 95, Memory: 40, Load1: 2}}))
	alerts := byKey(m.Collect(context.Background(), Snapshot{}))

	require.Contains(t, alerts, "resource_exhaustion/host")
	assert.Equal(t, SeriesHostCPU, alerts["resource_exhaustion/host"].Metric)
	assert.Len(t, m.Samples(SeriesHostMemory), 1)

	health := m.SystemHealth(Snapshot{})
	require.NotNil(t, health.Host)
	assert.Equal(t, 95.0, health.Host.CPU)
}

func TestMonitor_HostSamplerErrorIgnored(t *testing.T) {
	m := New(WithHostSampler(fakeHost{err: fmt.Errorf("unsupported")}))
	assert.Empty(t, m.Collect(context.Background(), Snapshot{}))
	assert.Empty(t, m.Samples(SeriesHostCPU))
}

type fakeHost struct {
	stats HostStats
	err   error
}

func (f fakeHost) Sample(context.Context) (HostStats, error) { return f.stats, f.err }

func TestMonitor_WorkerOffline(t *testing.T) {
	m := New()
	last := time.Date(2026, 3, 14, 8, 58, 0, 0, time.UTC)
	a, changed := m.WorkerOffline("w1", last, 2)
	require.True(t, changed)
	assert.Equal(t, AlertAgentOffline, a.Type)
	assert.Equal(t, "w1", a.Source)
	assert.Contains(t, a.Actions, "Restart worker w1")
	assert.Contains(t, a.Message, "2 task(s)")

	_, changed = m.WorkerOffline("w1", last, 0)
	assert.False(t, changed)
}

func TestMonitor_SystemHealthStatus(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.CurrentLoad = 40
	other := healthyWorker("w2")
	other.Health.CPU = 40

	health := m.SystemHealth(snapshotOf(w, other))
	assert.Equal(t, StatusHealthy, health.Status)
	assert.InDelta(t, 30.0, health.Resources.CPU, 0.001)
	assert.InDelta(t, 20.0, health.Resources.Load, 0.001)
	assert.Equal(t, 100.0, health.Resources.Availability)
	assert.Equal(t, 6, health.Capacity)
	assert.Empty(t, health.OpenAlerts)

	other.Online = false
	health = m.SystemHealth(snapshotOf(w, other))
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Equal(t, 50.0, health.Resources.Availability)
	assert.Equal(t, 1, health.Workers.Failed)

	m.Raise(AlertSpec{Type: AlertEscalation, Severity: SeverityCritical, Source: "occ-1"})
	health = m.SystemHealth(snapshotOf(w))
	assert.Equal(t, StatusCritical, health.Status)
	assert.Len(t, health.OpenAlerts, 1)
}

func TestMonitor_SystemHealthCriticalWhenAllWorkersOffline(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Online = false
	snap := snapshotOf(w)
	snap.Tasks.Pending = 1
	assert.Equal(t, StatusCritical, m.SystemHealth(snap).Status)
}

func TestMonitor_WorkerProfile(t *testing.T) {
	m := New()
	slow := healthyWorker("slow")
	slow.Stats.AvgCompletionMinutes = 150
	slow.Stats.QualityScore = 70
	slow.CurrentLoad = 10

	p := m.WorkerProfile(slow)
	var types []string
	for _, r := range p.Recommendations {
		types = append(types, r.Type)
	}
	assert.Equal(t, []string{"optimization", "training", "workload_adjustment"}, types)

	busy := healthyWorker("busy")
	busy.CurrentLoad = 100
	m.Collect(context.Background(), snapshotOf(busy))
	busy.CurrentLoad = 66
	p = m.WorkerProfile(busy)
	assert.Equal(t, 100.0, p.Utilization, "utilization comes from the load series")
	assert.Empty(t, p.Recommendations)
	assert.Contains(t, p.Trends, "cpu")
}

func TestMonitor_Metrics(t *testing.T) {
	m := New()
	m.Collect(context.Background(), snapshotOf(healthyWorker("w1")))

	metrics := m.Metrics()
	require.NotEmpty(t, metrics)
	names := make([]string, len(metrics))
	for i, mt := range metrics {
		names[i] = mt.Name
	}
	assert.IsNonDecreasing(t, names)

	var found bool
	for _, mt := range metrics {
		if mt.Name == SeriesSystemResponseTime {
			found = true
			assert.Equal(t, "ms", mt.Unit)
			assert.Equal(t, TrendStable, mt.Trend)
		}
	}
	assert.True(t, found)
}

func TestMonitor_PublishesAlertEvents(t *testing.T) {
	bus := event.NewBus()
	var raised, resolved int
	bus.Subscribe(event.TypeAlertRaised, func(event.Event) { raised++ })
	bus.Subscribe(event.TypeAlertResolved, func(event.Event) { resolved++ })

	m := New(WithBus(bus))
	a, _ := m.Raise(AlertSpec{Type: AlertBottleneck, Source: "queue"})
	_, err := m.ResolveAlert(a.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, raised)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, SeverityWarning, a.Severity, "severity defaults to warning")
}

func TestMonitor_SetThresholds(t *testing.T) {
	m := New()
	w := healthyWorker("w1")
	w.Health.CPU = 50
	assert.Empty(t, m.Collect(context.Background(), snapshotOf(w)))

	m.SetThresholds(map[string]config.ThresholdConfig{
		config.MetricCPU: {Warning: 30, Critical: 60},
	})
	alerts := byKey(m.Collect(context.Background(), snapshotOf(w)))
	require.Contains(t, alerts, "resource_exhaustion/w1")
	assert.Equal(t, SeverityWarning, alerts["resource_exhaustion/w1"].Severity)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default().Monitor
	cfg.HistorySize = 2
	m := FromConfig(cfg)
	for range 5 {
		m.Record("custom", 1)
	}
	assert.Len(t, m.Samples("custom"), 2)
	assert.Nil(t, m.host)
}
