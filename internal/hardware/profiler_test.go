package hardware

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// fakeProfiler builds a profiler with fully controlled collectors.
func fakeProfiler(cpu cpuStats, total, free uint64, gpu gpuStats, mps bool) *Profiler {
	p := NewProfiler(zerolog.Nop())
	p.collectCPU = func() (cpuStats, error) { return cpu, nil }
	p.collectMem = func() (uint64, uint64, error) { return total, free, nil }
	p.collectGPU = func() gpuStats { return gpu }
	p.mpsPresent = func() bool { return mps }
	return p
}

func TestRefreshClassifiesCUDA(t *testing.T) {
	p := fakeProfiler(
		cpuStats{physical: 8, logical: 16, flags: []string{"avx", "avx2"}},
		32<<30, 16<<30,
		gpuStats{name: "RTX 3060", freeBytes: 8 << 30, present: true},
		false,
	)
	d := p.Refresh()
	if d.Kind != types.DeviceCUDA {
		t.Fatalf("expected cuda, got %s", d.Kind)
	}
	if !d.GPUAvailable || d.GPUName != "RTX 3060" {
		t.Fatalf("gpu fields wrong: %+v", d)
	}
}

func TestRefreshDegradesToBasicOnErrors(t *testing.T) {
	p := NewProfiler(zerolog.Nop())
	p.collectCPU = func() (cpuStats, error) { return cpuStats{}, errors.New("no cpuinfo") }
	p.collectMem = func() (uint64, uint64, error) { return 0, 0, errors.New("no meminfo") }
	p.collectGPU = func() gpuStats { return gpuStats{} }
	p.mpsPresent = func() bool { return false }

	d := p.Refresh()
	if d.Kind != types.DeviceCPUBasic {
		t.Fatalf("expected cpu_basic fallback, got %s", d.Kind)
	}
	if d.GPUAvailable {
		t.Fatalf("gpu must be unavailable on degraded snapshot")
	}
	if d.PhysicalCores != 1 {
		t.Fatalf("expected conservative core count, got %d", d.PhysicalCores)
	}
}

func TestSelectDeviceFallbackChain(t *testing.T) {
	// No GPU, no AVX2: must land on CPU_BASIC.
	p := fakeProfiler(cpuStats{physical: 8, logical: 8, flags: []string{"sse4_2"}}, 8<<30, 4<<30, gpuStats{}, false)
	if got := p.SelectDevice("", 1<<30); got != types.DeviceCPUBasic {
		t.Fatalf("expected cpu_basic, got %s", got)
	}

	// AVX2 with >=4 physical cores upgrades to CPU_AVX2.
	p = fakeProfiler(cpuStats{physical: 4, logical: 8, flags: []string{"avx", "avx2"}}, 8<<30, 4<<30, gpuStats{}, false)
	if got := p.SelectDevice("", 1<<30); got != types.DeviceCPUAVX2 {
		t.Fatalf("expected cpu_avx2, got %s", got)
	}

	// AVX2 on a 2-core host is not enough.
	p = fakeProfiler(cpuStats{physical: 2, logical: 4, flags: []string{"avx2"}}, 8<<30, 4<<30, gpuStats{}, false)
	if got := p.SelectDevice("", 1<<30); got != types.DeviceCPUBasic {
		t.Fatalf("expected cpu_basic on 2 cores, got %s", got)
	}
}

func TestSelectDeviceVRAMGate(t *testing.T) {
	gpu := gpuStats{name: "T4", freeBytes: 4 << 30, present: true}
	p := fakeProfiler(cpuStats{physical: 8, logical: 16, flags: []string{"avx2"}}, 32<<30, 16<<30, gpu, false)

	// required*1.5 = 6GiB > 4GiB free: CUDA rejected, falls to AVX2.
	if got := p.SelectDevice("", 4<<30); got != types.DeviceCPUAVX2 {
		t.Fatalf("expected cpu_avx2 when vram short, got %s", got)
	}
	// required*1.5 = 3GiB, but the 2GiB min-vram floor still passes: CUDA wins.
	if got := p.SelectDevice("", 2<<30); got != types.DeviceCUDA {
		t.Fatalf("expected cuda, got %s", got)
	}
}

func TestSelectDevicePreferred(t *testing.T) {
	gpu := gpuStats{name: "T4", freeBytes: 16 << 30, present: true}
	p := fakeProfiler(cpuStats{physical: 8, logical: 16, flags: []string{"avx2"}}, 32<<30, 16<<30, gpu, false)

	if got := p.SelectDevice(types.DeviceCPUAVX2, 1<<30); got != types.DeviceCPUAVX2 {
		t.Fatalf("preferred usable device should win, got %s", got)
	}
	// Preferred MPS is unavailable: normal ordering applies.
	if got := p.SelectDevice(types.DeviceMPS, 1<<30); got != types.DeviceCUDA {
		t.Fatalf("expected cuda after unusable preference, got %s", got)
	}
}

func TestCurrentCachesSnapshot(t *testing.T) {
	calls := 0
	p := fakeProfiler(cpuStats{physical: 4, logical: 8, flags: []string{"avx2"}}, 8<<30, 4<<30, gpuStats{}, false)
	inner := p.collectCPU
	p.collectCPU = func() (cpuStats, error) { calls++; return inner() }
	p.SetRefreshInterval(time.Hour)

	p.Refresh()
	p.Current()
	p.Current()
	if calls != 1 {
		t.Fatalf("expected a single hardware query, got %d", calls)
	}
}

func TestNormalizeFlags(t *testing.T) {
	got := normalizeFlags([]string{"AVX2", "avx2", " sse ", ""})
	if len(got) != 2 || got[0] != "avx2" || got[1] != "sse" {
		t.Fatalf("unexpected flags: %v", got)
	}
}
