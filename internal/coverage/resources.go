package coverage

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler reads CPU and memory load from the local host.
type HostSampler struct{}

// Sample returns instantaneous CPU and memory utilization percentages.
func (HostSampler) Sample(ctx context.Context) (ResourceMetrics, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceMetrics{}, fmt.Errorf("sampling cpu: %w", err)
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceMetrics{}, fmt.Errorf("sampling memory: %w", err)
	}

	return ResourceMetrics{
		CPUPercent: cpuPct,
		MemPercent: vm.UsedPercent,
	}, nil
}
