package hardware

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"shardd/pkg/types"
)

const (
	// minVRAMBytes is the floor of free VRAM required before CUDA is selected.
	minVRAMBytes = 2 << 30
	// defaultRefreshEvery bounds how stale a cached descriptor may get before
	// Current() re-queries the hardware. VRAM queries shell out to nvidia-smi,
	// so latency-sensitive callers read the cache instead of refreshing.
	defaultRefreshEvery = 30 * time.Second
)

// cpuStats is what the profiler needs to know about the CPU.
type cpuStats struct {
	physical int
	logical  int
	flags    []string
}

// gpuStats is what the profiler needs to know about the GPU.
type gpuStats struct {
	name      string
	freeBytes uint64
	present   bool
}

// Profiler enumerates host hardware and produces immutable DeviceDescriptor
// snapshots. Collector funcs are injectable so tests can simulate hardware.
type Profiler struct {
	log zerolog.Logger

	refreshEvery time.Duration

	collectCPU func() (cpuStats, error)
	collectMem func() (total, free uint64, err error)
	collectGPU func() gpuStats
	mpsPresent func() bool

	mu     sync.RWMutex
	cached types.DeviceDescriptor
}

// NewProfiler builds a Profiler with OS-backed collectors.
func NewProfiler(log zerolog.Logger) *Profiler {
	return &Profiler{
		log:          log,
		refreshEvery: defaultRefreshEvery,
		collectCPU:   collectCPUInfo,
		collectMem:   collectMemInfo,
		collectGPU:   collectNvidiaSMI,
		mpsPresent:   detectMPS,
	}
}

// Refresh queries the hardware and returns a fresh descriptor, caching it.
// Enumeration errors never propagate: any failure degrades the snapshot to a
// conservative CPU-only descriptor.
func (p *Profiler) Refresh() types.DeviceDescriptor {
	d := types.DeviceDescriptor{
		Kind:          types.DeviceCPUBasic,
		PhysicalCores: 1,
		LogicalCores:  1,
		SampledAt:     time.Now(),
	}

	if st, err := p.collectCPU(); err != nil {
		p.log.Warn().Err(err).Msg("cpu enumeration failed, assuming basic cpu")
	} else {
		d.PhysicalCores = st.physical
		d.LogicalCores = st.logical
		d.InstructionFlags = st.flags
	}

	if total, free, err := p.collectMem(); err != nil {
		p.log.Warn().Err(err).Msg("memory query failed")
	} else {
		d.TotalMemoryBytes = total
		d.FreeMemoryBytes = free
	}

	if g := p.collectGPU(); g.present {
		d.GPUAvailable = true
		d.GPUName = g.name
		d.FreeVRAMBytes = g.freeBytes
	}
	d.MPSAvailable = p.mpsPresent()

	d.Kind = classify(d)

	p.mu.Lock()
	p.cached = d
	p.mu.Unlock()
	return d
}

// Current returns the cached descriptor, refreshing it when stale or unset.
func (p *Profiler) Current() types.DeviceDescriptor {
	p.mu.RLock()
	c := p.cached
	p.mu.RUnlock()
	if c.SampledAt.IsZero() || time.Since(c.SampledAt) > p.refreshEvery {
		return p.Refresh()
	}
	return c
}

// SetRefreshInterval overrides how long a cached descriptor stays valid.
func (p *Profiler) SetRefreshInterval(d time.Duration) {
	if d > 0 {
		p.refreshEvery = d
	}
}

// SelectDevice picks a device for a load of requiredBytes. When preferred is
// non-empty and usable it wins; otherwise selection order is
// CUDA -> MPS -> CPU_AVX2 -> CPU_BASIC.
func (p *Profiler) SelectDevice(preferred types.DeviceKind, requiredBytes uint64) types.DeviceKind {
	d := p.Current()
	if preferred != "" && usable(d, preferred, requiredBytes) {
		return preferred
	}
	for _, k := range []types.DeviceKind{types.DeviceCUDA, types.DeviceMPS, types.DeviceCPUAVX2} {
		if usable(d, k, requiredBytes) {
			return k
		}
	}
	return types.DeviceCPUBasic
}

// usable reports whether kind can serve a load of requiredBytes on d.
func usable(d types.DeviceDescriptor, kind types.DeviceKind, requiredBytes uint64) bool {
	switch kind {
	case types.DeviceCUDA:
		need := requiredBytes + requiredBytes/2
		if need < minVRAMBytes {
			need = minVRAMBytes
		}
		return d.GPUAvailable && d.FreeVRAMBytes >= need
	case types.DeviceMPS:
		return d.MPSAvailable
	case types.DeviceCPUAVX2:
		return d.HasFlag("avx2") && d.PhysicalCores >= 4
	case types.DeviceCPUBasic:
		return true
	}
	return false
}

// classify returns the best device class the descriptor supports outright.
func classify(d types.DeviceDescriptor) types.DeviceKind {
	switch {
	case d.GPUAvailable && d.FreeVRAMBytes >= minVRAMBytes:
		return types.DeviceCUDA
	case d.MPSAvailable:
		return types.DeviceMPS
	case d.HasFlag("avx2") && d.PhysicalCores >= 4:
		return types.DeviceCPUAVX2
	default:
		return types.DeviceCPUBasic
	}
}

func collectCPUInfo() (cpuStats, error) {
	physical, err := cpu.Counts(false)
	if err != nil || physical <= 0 {
		physical = 1
	}
	logical, err2 := cpu.Counts(true)
	if err2 != nil || logical <= 0 {
		logical = physical
	}
	st := cpuStats{physical: physical, logical: logical}
	infos, err3 := cpu.Info()
	if err3 != nil {
		return st, err3
	}
	if len(infos) > 0 {
		st.flags = normalizeFlags(infos[0].Flags)
	}
	return st, nil
}

// normalizeFlags lowercases and dedupes the relevant instruction-set flags.
func normalizeFlags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, f := range raw {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func collectMemInfo() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// collectNvidiaSMI queries free VRAM via the nvidia-smi subprocess. Any
// failure means "no GPU" rather than an error.
func collectNvidiaSMI() gpuStats {
	cmd := exec.Command("nvidia-smi", "--query-gpu=name,memory.free", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return gpuStats{}
	}
	line := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	if line == "" {
		return gpuStats{}
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return gpuStats{}
	}
	freeMB, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return gpuStats{}
	}
	return gpuStats{
		name:      strings.TrimSpace(parts[0]),
		freeBytes: freeMB << 20,
		present:   true,
	}
}

func detectMPS() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}
