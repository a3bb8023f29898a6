package monitor

import "math"

// Trend is the direction a series is moving in.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Trend defaults.
const (
	DefaultTrendWindow    = 10
	DefaultTrendThreshold = 5.0
)

// higherIsBetter lists the fields where a rising value is an improvement.
var higherIsBetter = map[string]bool{
	"availability": true,
	"success_rate": true,
	"quality":      true,
}

// HigherIsBetter reports whether a rising value of the series is good.
func HigherIsBetter(series string) bool {
	return higherIsBetter[field(series)]
}

// ComputeTrend compares the mean of the first half of values with the mean
// of the second half. A relative change beyond thresholdPercent in either
// direction is a trend; which direction counts as improving depends on
// higherBetter.
func ComputeTrend(values []float64, thresholdPercent float64, higherBetter bool) Trend {
	if len(values) < 2 {
		return TrendStable
	}
	half := len(values) / 2
	first, second := mean(values[:half]), mean(values[half:])
	if first == 0 {
		return TrendStable
	}
	delta := (second - first) / math.Abs(first) * 100

	rising := delta > thresholdPercent
	falling := delta < -thresholdPercent
	switch {
	case rising && higherBetter, falling && !higherBetter:
		return TrendImproving
	case rising, falling:
		return TrendDegrading
	}
	return TrendStable
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
