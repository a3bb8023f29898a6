package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/taskmesh/internal/config"
	"github.com/Iron-Ham/taskmesh/internal/errors"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/registry"
)

// alertRetention is how long resolved alerts are kept.
const alertRetention = 24 * time.Hour

// Monitor keeps metric series, computes trends and raises deduplicated
// alerts. It is safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	series map[string]*Series
	alerts map[string]*Alert
	open   map[alertKey]string
	order  []string

	historySize    int
	trendWindow    int
	trendThreshold float64
	thresholds     map[string]config.ThresholdConfig

	lastHost     *HostStats
	lastDecision Decision

	capacity *CapacityPolicy
	host     HostSampler
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l.WithComponent("monitor")
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithBus publishes alert events on bus.
func WithBus(bus *event.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithHostSampler adds host.* series from the sampler on every collection.
func WithHostSampler(s HostSampler) Option {
	return func(m *Monitor) { m.host = s }
}

// WithHistorySize bounds every series.
func WithHistorySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithTrendWindow sets how many recent samples a trend looks at.
func WithTrendWindow(n int) Option {
	return func(m *Monitor) {
		if n > 1 {
			m.trendWindow = n
		}
	}
}

// WithTrendThreshold sets the relative change in percent that counts as a
// trend.
func WithTrendThreshold(pct float64) Option {
	return func(m *Monitor) {
		if pct > 0 {
			m.trendThreshold = pct
		}
	}
}

// WithThresholds replaces the alert threshold table.
func WithThresholds(t map[string]config.ThresholdConfig) Option {
	return func(m *Monitor) {
		if len(t) > 0 {
			m.thresholds = maps.Clone(t)
		}
	}
}

// WithCapacityPolicy replaces the bottleneck and scaling policy.
func WithCapacityPolicy(p *CapacityPolicy) Option {
	return func(m *Monitor) {
		if p != nil {
			m.capacity = p
		}
	}
}

// New creates a monitor with the default threshold table.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		series:         make(map[string]*Series),
		alerts:         make(map[string]*Alert),
		open:           make(map[alertKey]string),
		historySize:    DefaultHistorySize,
		trendWindow:    DefaultTrendWindow,
		trendThreshold: DefaultTrendThreshold,
		thresholds:     config.Default().Monitor.Thresholds,
		capacity:       NewCapacityPolicy(),
		logger:         logging.NopLogger(),
		now:            time.Now,
		lastDecision:   Decision{Action: ActionNone},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromConfig creates a monitor from the monitor section. HostMetrics adds
// the gopsutil host sampler.
func FromConfig(cfg config.MonitorConfig, opts ...Option) *Monitor {
	base := []Option{
		WithHistorySize(cfg.HistorySize),
		WithTrendWindow(cfg.TrendWindow),
		WithTrendThreshold(cfg.TrendThresholdPercent),
		WithThresholds(cfg.Thresholds),
	}
	if cfg.HostMetrics {
		base = append(base, WithHostSampler(NewHostSampler()))
	}
	return New(append(base, opts...)...)
}

// SetThresholds swaps the threshold table for later collections.
func (m *Monitor) SetThresholds(t map[string]config.ThresholdConfig) {
	if len(t) == 0 {
		return
	}
	m.mu.Lock()
	m.thresholds = maps.Clone(t)
	m.mu.Unlock()
}

// Record appends a sample to a named series.
func (m *Monitor) Record(name string, value float64) {
	m.mu.Lock()
	m.record(name, value, m.now())
	m.mu.Unlock()
}

// must be called with m.mu held
func (m *Monitor) record(name string, value float64, at time.Time) {
	s, ok := m.series[name]
	if !ok {
		s = NewSeries(m.historySize)
		m.series[name] = s
	}
	s.Add(value, at)
}

// Samples returns a copy of a series, oldest first.
func (m *Monitor) Samples(name string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.series[name]; ok {
		return s.Samples()
	}
	return nil
}

// Trend returns the direction of a series over the trend window. Unknown
// series are stable.
func (m *Monitor) Trend(name string) Trend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trend(name)
}

// must be called with m.mu held
func (m *Monitor) trend(name string) Trend {
	s, ok := m.series[name]
	if !ok {
		return TrendStable
	}
	return ComputeTrend(s.Last(m.trendWindow), m.trendThreshold, HigherIsBetter(name))
}

// Metrics returns the latest value and trend of every series, by name.
func (m *Monitor) Metrics() []Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := slices.Sorted(maps.Keys(m.series))
	out := make([]Metric, 0, len(names))
	for _, name := range names {
		latest, ok := m.series[name].Latest()
		if !ok {
			continue
		}
		out = append(out, Metric{
			Name:      name,
			Value:     latest.Value,
			Unit:      Unit(name),
			Timestamp: latest.At,
			Trend:     m.trend(name),
		})
	}
	return out
}

// thresholdRule binds a series field to a row of the threshold table.
type thresholdRule struct {
	field     string
	threshold string
	alert     AlertType
	label     string
}

var workerRules = []thresholdRule{
	{"cpu", config.MetricCPU, AlertResourceExhaustion, "CPU usage"},
	{"memory", config.MetricMemory, AlertResourceExhaustion, "memory usage"},
	{"response_time", config.MetricResponseTimeMs, AlertPerformanceDegradation, "response time"},
	{"success_rate", config.MetricSuccessRate, AlertPerformanceDegradation, "success rate"},
	{"quality", config.MetricQualityScore, AlertQualityDecline, "quality score"},
}

var systemRules = []thresholdRule{
	{SeriesSystemCPU, config.MetricCPU, AlertResourceExhaustion, "System CPU usage"},
	{SeriesSystemMemory, config.MetricMemory, AlertResourceExhaustion, "System memory usage"},
	{SeriesHostCPU, config.MetricCPU, AlertResourceExhaustion, "Host CPU usage"},
	{SeriesHostMemory, config.MetricMemory, AlertResourceExhaustion, "Host memory usage"},
	{SeriesTaskSuccessRate, config.MetricSuccessRate, AlertPerformanceDegradation, "Task success rate"},
	{SeriesTaskCompletion, config.MetricTaskCompletionMinutes, AlertPerformanceDegradation, "Average completion time"},
}

// trendSeries raise a degradation warning when they trend worse.
var trendSeries = []string{SeriesTaskCompletion, SeriesSystemResponseTime, SeriesTaskSuccessRate}

// Collect ingests one snapshot: per-worker and system series, host usage,
// threshold and trend evaluation, and the bottleneck check. It returns the
// alerts opened or escalated by this cycle.
func (m *Monitor) Collect(ctx context.Context, snap Snapshot) []Alert {
	at := snap.At
	if at.IsZero() {
		at = m.now()
	}

	var host *HostStats
	if m.host != nil {
		hs, err := m.host.Sample(ctx)
		if err != nil {
			m.logger.Warn("host sample failed", "error", err)
		} else {
			host = &hs
		}
	}

	m.mu.Lock()
	var specs []AlertSpec
	source := map[string]string{}

	for _, w := range snap.Workers {
		if !w.Online {
			continue
		}
		values := map[string]float64{
			"cpu":           w.Health.CPU,
			"memory":        w.Health.Memory,
			"response_time": w.Health.ResponseTimeMs,
			"load":          w.CurrentLoad,
			"success_rate":  w.Stats.SuccessRate,
			"quality":       w.Stats.QualityScore,
		}
		for f, v := range values {
			m.record(WorkerSeries(w.ID, f), v, at)
		}
		for _, r := range workerRules {
			if spec, ok := m.check(r, values[r.field], "Worker "+w.ID+" "+r.label); ok {
				spec.Source = w.ID
				spec.Metric = WorkerSeries(w.ID, r.field)
				specs = append(specs, spec)
			}
		}
	}

	system := map[string]float64{}
	if res, ok := aggregate(snap); ok {
		system[SeriesSystemCPU] = res.CPU
		system[SeriesSystemMemory] = res.Memory
		system[SeriesSystemLoad] = res.Load
		system[SeriesSystemResponseTime] = res.ResponseTimeMs
	}
	if snap.WorkerCounts.Total > 0 {
		system[SeriesSystemAvailability] = availability(snap.WorkerCounts)
	}
	if v, ok := taskAverage(snap.Workers, func(w registry.Worker) (float64, bool) {
		return w.Stats.SuccessRate, w.Stats.TasksCompleted+w.Stats.TasksFailed > 0
	}); ok {
		system[SeriesTaskSuccessRate] = v
	}
	if v, ok := taskAverage(snap.Workers, func(w registry.Worker) (float64, bool) {
		return w.Stats.AvgCompletionMinutes, w.Stats.TasksCompleted > 0
	}); ok {
		system[SeriesTaskCompletion] = v
	}
	system[SeriesQueuePending] = float64(snap.Tasks.Pending)
	if host != nil {
		system[SeriesHostCPU] = host.CPU
		system[SeriesHostMemory] = host.Memory
		m.lastHost = host
		source[SeriesHostCPU] = "host"
		source[SeriesHostMemory] = "host"
	}
	for name, v := range system {
		m.record(name, v, at)
	}
	for _, r := range systemRules {
		v, ok := system[r.field]
		if !ok {
			continue
		}
		if spec, ok := m.check(r, v, r.label); ok {
			spec.Source = "system"
			if s, ok := source[r.field]; ok {
				spec.Source = s
			}
			spec.Metric = r.field
			specs = append(specs, spec)
		}
	}
	for _, name := range trendSeries {
		if m.trend(name) != TrendDegrading {
			continue
		}
		latest, _ := m.series[name].Latest()
		specs = append(specs, AlertSpec{
			Type:     AlertPerformanceDegradation,
			Severity: SeverityWarning,
			Source:   "system",
			Metric:   name,
			Value:    latest.Value,
			Message:  fmt.Sprintf("%s is trending worse over the last %d samples", name, m.trendWindow),
		})
	}

	status := CapacityStatus{
		Pending:  snap.Tasks.Pending,
		Capacity: snap.Capacity,
		Online:   snap.WorkerCounts.Online,
		Idle:     snap.WorkerCounts.Idle,
	}
	if m.capacity.Bottleneck(status) {
		sev := SeverityWarning
		if snap.Capacity == 0 {
			sev = SeverityCritical
		}
		specs = append(specs, AlertSpec{
			Type:      AlertBottleneck,
			Severity:  sev,
			Source:    "queue",
			Metric:    SeriesQueuePending,
			Value:     float64(snap.Tasks.Pending),
			Threshold: float64(snap.Capacity),
			Message:   fmt.Sprintf("%d pending tasks exceed online capacity of %d", snap.Tasks.Pending, snap.Capacity),
		})
	}
	m.lastDecision = m.capacity.Evaluate(status)

	// Most severe first so a warning never shadows a critical alert for the
	// same (type, source).
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Severity.rank() > specs[j].Severity.rank()
	})
	var raised []Alert
	var events []event.Event
	for _, spec := range specs {
		if a, changed := m.raise(spec, at); changed {
			raised = append(raised, a)
			events = append(events, event.NewAlertRaisedEvent(a.ID, string(a.Type), string(a.Severity), a.Source, a.Message))
		}
	}
	m.prune(at)
	m.mu.Unlock()

	m.publish(events)
	for _, a := range raised {
		m.logger.Warn("alert raised", "alert_id", a.ID, "type", a.Type, "severity", a.Severity, "source", a.Source)
	}
	return raised
}

// check compares v against the rule's threshold row.
// must be called with m.mu held
func (m *Monitor) check(r thresholdRule, v float64, label string) (AlertSpec, bool) {
	t, ok := m.thresholds[r.threshold]
	if !ok || (t.Warning == 0 && t.Critical == 0) {
		return AlertSpec{}, false
	}
	var sev Severity
	var limit float64
	if t.LowerIsWorse {
		switch {
		case v < t.Critical:
			sev, limit = SeverityCritical, t.Critical
		case v < t.Warning:
			sev, limit = SeverityWarning, t.Warning
		}
	} else {
		switch {
		case v > t.Critical:
			sev, limit = SeverityCritical, t.Critical
		case v > t.Warning:
			sev, limit = SeverityWarning, t.Warning
		}
	}
	if sev == "" {
		return AlertSpec{}, false
	}
	dir := "above"
	if t.LowerIsWorse {
		dir = "below"
	}
	unit := Unit(r.field)
	return AlertSpec{
		Type:      r.alert,
		Severity:  sev,
		Value:     v,
		Threshold: limit,
		Message:   fmt.Sprintf("%s is %.1f%s, %s %s threshold %.1f%s", label, v, unit, dir, sev, limit, unit),
	}, true
}

// Raise opens an alert unless one with the same type and source is already
// open. An open warning is escalated in place by a critical spec. The
// second result reports whether anything changed.
func (m *Monitor) Raise(spec AlertSpec) (Alert, bool) {
	if spec.Severity == "" {
		spec.Severity = SeverityWarning
	}
	m.mu.Lock()
	a, changed := m.raise(spec, m.now())
	m.mu.Unlock()
	if changed {
		m.publish([]event.Event{event.NewAlertRaisedEvent(a.ID, string(a.Type), string(a.Severity), a.Source, a.Message)})
		m.logger.Warn("alert raised", "alert_id", a.ID, "type", a.Type, "severity", a.Severity, "source", a.Source)
	}
	return a, changed
}

// must be called with m.mu held
func (m *Monitor) raise(spec AlertSpec, at time.Time) (Alert, bool) {
	key := alertKey{typ: spec.Type, source: spec.Source}
	if id, ok := m.open[key]; ok {
		existing := m.alerts[id]
		if spec.Severity.rank() <= existing.Severity.rank() {
			return existing.clone(), false
		}
		existing.Severity = spec.Severity
		existing.Value = spec.Value
		existing.Threshold = spec.Threshold
		existing.Message = spec.Message
		return existing.clone(), true
	}

	a := &Alert{
		ID:        uuid.NewString(),
		Type:      spec.Type,
		Severity:  spec.Severity,
		Source:    spec.Source,
		Metric:    spec.Metric,
		Value:     spec.Value,
		Threshold: spec.Threshold,
		Message:   spec.Message,
		Actions:   ActionsFor(spec.Type, spec.Source),
		RaisedAt:  at,
	}
	m.alerts[a.ID] = a
	m.open[key] = a.ID
	m.order = append(m.order, a.ID)
	return a.clone(), true
}

// WorkerOffline raises an agent_offline alert for a worker taken offline by
// the heartbeat sweep.
func (m *Monitor) WorkerOffline(workerID string, lastHeartbeat time.Time, reclaimed int) (Alert, bool) {
	return m.Raise(AlertSpec{
		Type:     AlertAgentOffline,
		Severity: SeverityWarning,
		Source:   workerID,
		Value:    float64(reclaimed),
		Message: fmt.Sprintf("Worker %s missed its heartbeats (last seen %s); %d task(s) returned to the queue",
			workerID, lastHeartbeat.Format(time.RFC3339), reclaimed),
	})
}

// ResolveAlert closes an alert. Resolving a closed alert is a no-op.
func (m *Monitor) ResolveAlert(id string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return Alert{}, errors.NewNotFoundError("alert", id)
	}
	if !a.Open() {
		cp := a.clone()
		m.mu.Unlock()
		return cp, nil
	}
	now := m.now()
	a.ResolvedAt = &now
	delete(m.open, alertKey{typ: a.Type, source: a.Source})
	cp := a.clone()
	m.mu.Unlock()

	m.publish([]event.Event{event.NewAlertResolvedEvent(id)})
	m.logger.Info("alert resolved", "alert_id", id, "type", cp.Type, "source", cp.Source)
	return cp, nil
}

// Alert returns an alert by ID.
func (m *Monitor) Alert(id string) (Alert, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.alerts[id]; ok {
		return a.clone(), true
	}
	return Alert{}, false
}

// OpenAlerts returns unresolved alerts, oldest first.
func (m *Monitor) OpenAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectAlerts(func(a *Alert) bool { return a.Open() })
}

// Alerts returns every retained alert, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectAlerts(func(*Alert) bool { return true })
}

// must be called with m.mu held
func (m *Monitor) collectAlerts(keep func(*Alert) bool) []Alert {
	out := []Alert{}
	for _, id := range m.order {
		if a := m.alerts[id]; keep(a) {
			out = append(out, a.clone())
		}
	}
	return out
}

// prune drops resolved alerts older than the retention window.
// must be called with m.mu held
func (m *Monitor) prune(now time.Time) {
	m.order = slices.DeleteFunc(m.order, func(id string) bool {
		a := m.alerts[id]
		if a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) > alertRetention {
			delete(m.alerts, id)
			return true
		}
		return false
	})
}

// SystemHealth rolls the snapshot's live counts, resource averages and the
// open alerts into one report.
func (m *Monitor) SystemHealth(snap Snapshot) SystemHealth {
	res, _ := aggregate(snap)
	if snap.WorkerCounts.Total > 0 {
		res.Availability = availability(snap.WorkerCounts)
	}

	m.mu.RLock()
	openAlerts := m.collectAlerts(func(a *Alert) bool { return a.Open() })
	trends := make(map[string]Trend, len(trendSeries)+2)
	for _, name := range append([]string{SeriesSystemCPU, SeriesSystemMemory}, trendSeries...) {
		if _, ok := m.series[name]; ok {
			trends[name] = m.trend(name)
		}
	}
	var host *HostStats
	if m.lastHost != nil {
		h := *m.lastHost
		host = &h
	}
	decision := m.lastDecision
	m.mu.RUnlock()

	at := snap.At
	if at.IsZero() {
		at = m.now()
	}
	return SystemHealth{
		Status:     overallStatus(snap, openAlerts),
		Workers:    snap.WorkerCounts,
		Tasks:      snap.Tasks,
		Resources:  res,
		Host:       host,
		Capacity:   snap.Capacity,
		Scaling:    decision,
		OpenAlerts: openAlerts,
		Trends:     trends,
		CheckedAt:  at,
	}
}

// overallStatus is critical with any open critical alert or when work is
// queued and every registered worker is offline, degraded with any open
// alert or offline worker, and healthy otherwise.
func overallStatus(snap Snapshot, open []Alert) HealthStatus {
	critical := snap.Tasks.Pending > 0 && snap.WorkerCounts.Total > 0 && snap.WorkerCounts.Online == 0
	for _, a := range open {
		if a.Severity == SeverityCritical {
			critical = true
		}
	}
	switch {
	case critical:
		return StatusCritical
	case len(open) > 0 || snap.WorkerCounts.Failed > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// aggregate averages health over online workers.
func aggregate(snap Snapshot) (Resources, bool) {
	var res Resources
	n := 0
	for _, w := range snap.Workers {
		if !w.Online {
			continue
		}
		n++
		res.CPU += w.Health.CPU
		res.Memory += w.Health.Memory
		res.Load += w.CurrentLoad
		res.ResponseTimeMs += w.Health.ResponseTimeMs
	}
	if n == 0 {
		return Resources{}, false
	}
	d := float64(n)
	res.CPU /= d
	res.Memory /= d
	res.Load /= d
	res.ResponseTimeMs /= d
	return res, true
}

func availability(c registry.Counts) float64 {
	return float64(c.Online) / float64(c.Total) * 100
}

func taskAverage(workers []registry.Worker, pick func(registry.Worker) (float64, bool)) (float64, bool) {
	var sum float64
	n := 0
	for _, w := range workers {
		if !w.Online {
			continue
		}
		if v, ok := pick(w); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (m *Monitor) publish(events []event.Event) {
	if m.bus == nil {
		return
	}
	for _, e := range events {
		m.bus.Publish(e)
	}
}

// alertActions are the suggested remediation steps per alert type.
// "{source}" is replaced with the alert's source.
var alertActions = map[AlertType][]string{
	AlertResourceExhaustion: {
		"Scale up resources for {source}",
		"Optimize resource-intensive processes",
		"Review load distribution across workers",
	},
	AlertPerformanceDegradation: {
		"Investigate performance bottlenecks on {source}",
		"Review recent changes",
		"Optimize slow operations",
	},
	AlertAgentOffline: {
		"Restart worker {source}",
		"Check worker health status",
		"Review worker logs for errors",
	},
	AlertQualityDecline: {
		"Review code quality metrics for {source}",
		"Review the worker's recent quality gate failures",
		"Implement stricter quality gates",
	},
	AlertBottleneck: {
		"Register additional workers",
		"Raise max concurrent tasks per worker",
		"Review blocked and long-running tasks",
	},
	AlertEscalation: {
		"Review {source} manually",
		"Restore from the recorded backup if needed",
	},
}

// ActionsFor returns the remediation steps for an alert.
func ActionsFor(t AlertType, source string) []string {
	tmpl := alertActions[t]
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = strings.ReplaceAll(a, "{source}", source)
	}
	return out
}
