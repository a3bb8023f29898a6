package coordinator

import (
	"time"

	"github.com/Iron-Ham/taskmesh/internal/conflict"
	"github.com/Iron-Ham/taskmesh/internal/correction"
	"github.com/Iron-Ham/taskmesh/internal/event"
	"github.com/Iron-Ham/taskmesh/internal/logging"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/quality"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

// options holds the optional collaborators of a Coordinator. Components
// left nil are built with their defaults.
type options struct {
	bus       *event.Bus
	logger    *logging.Logger
	now       func() time.Time
	kinds     taskqueue.KindTable
	resolver  *conflict.Resolver
	gate      *quality.Gate
	monitor   *monitor.Monitor
	corrector *correction.Corrector
	watcher   *conflict.Watcher
}

// Option configures a Coordinator.
type Option func(*options)

// WithBus sets the event bus every component publishes on.
func WithBus(b *event.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithLogger sets the logger shared by the coordinator and the components
// it builds.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now for the coordinator and its components.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKindTable replaces the task kind → worker type mapping.
func WithKindTable(kt taskqueue.KindTable) Option {
	return func(o *options) { o.kinds = kt }
}

// WithResolver sets the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithGate sets the quality gate.
func WithGate(g *quality.Gate) Option {
	return func(o *options) { o.gate = g }
}

// WithMonitor sets the performance monitor. A monitor built elsewhere
// should publish on the same bus.
func WithMonitor(m *monitor.Monitor) Option {
	return func(o *options) { o.monitor = m }
}

// WithCorrector sets the error corrector.
func WithCorrector(c *correction.Corrector) Option {
	return func(o *options) { o.corrector = c }
}

// WithWatcher attributes on-disk edits in worker workspaces and reports
// overlaps no task declared. The coordinator starts and stops it.
func WithWatcher(w *conflict.Watcher) Option {
	return func(o *options) { o.watcher = w }
}
