package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is the coordinator host's own resource usage.
type HostStats struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Load1  float64 `json:"load1"`
}

// HostSampler reads host resource usage.
type HostSampler interface {
	Sample(ctx context.Context) (HostStats, error)
}

// SystemSampler samples the local host.
type SystemSampler struct{}

// NewHostSampler returns a sampler for the local host.
func NewHostSampler() *SystemSampler {
	return &SystemSampler{}
}

// Sample returns CPU percent since the previous call, used memory percent
// and the one-minute load average. Load is left at zero on platforms that
// do not report it.
func (SystemSampler) Sample(ctx context.Context) (HostStats, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostStats{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("virtual memory: %w", err)
	}
	stats := HostStats{Memory: vm.UsedPercent}
	if len(pct) > 0 {
		stats.CPU = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}
	return stats, nil
}
