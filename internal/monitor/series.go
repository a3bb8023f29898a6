package monitor

import (
	"strings"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// DefaultHistorySize is the number of samples kept per series.
const DefaultHistorySize = 1000

// Well-known series names. Per-worker series are "worker.<id>.<field>".
const (
	SeriesSystemCPU          = "system.cpu"
	SeriesSystemMemory       = "system.memory"
	SeriesSystemLoad         = "system.load"
	SeriesSystemResponseTime = "system.response_time"
	SeriesSystemAvailability = "system.availability"
	SeriesTaskSuccessRate    = "task.success_rate"
	SeriesTaskCompletion     = "task.completion_minutes"
	SeriesQueuePending       = "queue.pending"
	SeriesHostCPU            = "host.cpu"
	SeriesHostMemory         = "host.memory"
)

// WorkerSeries names a per-worker series.
func WorkerSeries(workerID, field string) string {
	return "worker." + workerID + "." + field
}

// Sample is one observation.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Series is a bounded rolling window of samples; the oldest sample is
// dropped once it is full. Not safe for concurrent use.
type Series struct {
	buf *circularbuffer.Queue
}

// NewSeries creates a series holding at most size samples.
func NewSeries(size int) *Series {
	if size < 1 {
		size = DefaultHistorySize
	}
	return &Series{buf: circularbuffer.New(size)}
}

// Add appends a sample.
func (s *Series) Add(v float64, at time.Time) {
	s.buf.Enqueue(Sample{Value: v, At: at})
}

// Len returns the number of samples held.
func (s *Series) Len() int { return s.buf.Size() }

// Samples returns the samples oldest first.
func (s *Series) Samples() []Sample {
	raw := s.buf.Values()
	out := make([]Sample, len(raw))
	for i, v := range raw {
		out[i] = v.(Sample)
	}
	return out
}

// Last returns the values of the newest n samples, oldest first.
func (s *Series) Last(n int) []float64 {
	samples := s.Samples()
	if n > 0 && len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]float64, len(samples))
	for i, smp := range samples {
		out[i] = smp.Value
	}
	return out
}

// Latest returns the newest sample.
func (s *Series) Latest() (Sample, bool) {
	samples := s.Samples()
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// field returns the last dotted segment of a series name.
func field(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

var units = map[string]string{
	"cpu":                "%",
	"memory":             "%",
	"load":               "%",
	"availability":       "%",
	"success_rate":       "%",
	"response_time":      "ms",
	"completion_minutes": "min",
	"quality":            "score",
	"pending":            "tasks",
}

// Unit returns the unit of a series by its field name.
func Unit(name string) string {
	return units[field(name)]
}
