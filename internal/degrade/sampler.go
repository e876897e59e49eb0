package degrade

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"shardd/pkg/types"
)

// Sampler produces one resource reading for the monitor loop.
type Sampler func() (types.ResourceSample, error)

// SystemSampler reads memory and CPU utilization from the host.
func SystemSampler() Sampler {
	return func() (types.ResourceSample, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return types.ResourceSample{}, err
		}
		sample := types.ResourceSample{
			MemoryUsedFraction:   vm.UsedPercent / 100,
			AvailableMemoryBytes: vm.Available,
			SampledAt:            time.Now(),
		}
		// Instantaneous reading; a zero interval avoids blocking the loop.
		if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
			sample.CPUUsedFraction = pcts[0] / 100
		}
		return sample, nil
	}
}
