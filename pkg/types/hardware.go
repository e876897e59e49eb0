package types

import "time"

// DeviceKind identifies the compute device class a model runs on.
type DeviceKind string

const (
	DeviceCPUBasic DeviceKind = "cpu_basic"
	DeviceCPUAVX2  DeviceKind = "cpu_avx2"
	DeviceCUDA     DeviceKind = "cuda"
	DeviceMPS      DeviceKind = "mps"
)

// DeviceDescriptor is an immutable snapshot of the host hardware taken at a
// point in time. A refresh produces a new descriptor; existing ones are
// never mutated.
type DeviceDescriptor struct {
	// Kind is the best device class this host supports.
	Kind DeviceKind `json:"kind"`
	// PhysicalCores is the number of physical CPU cores.
	PhysicalCores int `json:"physical_cores"`
	// LogicalCores is the number of logical CPU cores (hyperthreads included).
	LogicalCores int `json:"logical_cores"`
	// TotalMemoryBytes is total system RAM.
	TotalMemoryBytes uint64 `json:"total_memory_bytes"`
	// FreeMemoryBytes is currently available system RAM.
	FreeMemoryBytes uint64 `json:"free_memory_bytes"`
	// FreeVRAMBytes is free GPU memory, 0 when no GPU is present.
	FreeVRAMBytes uint64 `json:"free_vram_bytes"`
	// GPUAvailable reports whether a usable CUDA device was detected.
	GPUAvailable bool `json:"gpu_available"`
	// GPUName is the detected GPU model name, empty when none.
	GPUName string `json:"gpu_name,omitempty"`
	// MPSAvailable reports whether an Apple Metal device was detected.
	MPSAvailable bool `json:"mps_available"`
	// InstructionFlags holds CPU instruction-set feature flags (avx, avx2, avx512f, ...).
	InstructionFlags []string `json:"instruction_flags,omitempty"`
	// SampledAt is when this snapshot was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// HasFlag reports whether the descriptor carries the given CPU feature flag.
func (d DeviceDescriptor) HasFlag(flag string) bool {
	for _, f := range d.InstructionFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// ResourceBudget is a memory-footprint prediction for loading a model. It is
// an estimate, not a reservation; callers recompute it per request.
type ResourceBudget struct {
	// TotalMemory is the predicted total resident footprint in bytes.
	TotalMemory uint64 `json:"total_memory"`
	// BaseMemory is the model-weights portion of the footprint.
	BaseMemory uint64 `json:"base_memory"`
	// BatchMemory is the extra footprint attributable to batch size > 1.
	BatchMemory uint64 `json:"batch_memory"`
	// RuntimeCache is the predicted KV/runtime cache footprint.
	RuntimeCache uint64 `json:"runtime_cache"`
	// SystemReserve is the headroom kept free for the OS and other processes.
	SystemReserve uint64 `json:"system_reserve"`
	// GPUMemory is the predicted VRAM footprint, 0 when running on CPU.
	GPUMemory uint64 `json:"gpu_memory"`
}

// ResourceSample is one reading from the degradation monitor.
type ResourceSample struct {
	// MemoryUsedFraction is used/total system memory in [0,1].
	MemoryUsedFraction float64 `json:"memory_used_fraction"`
	// CPUUsedFraction is the CPU utilization in [0,1].
	CPUUsedFraction float64 `json:"cpu_used_fraction"`
	// AvailableMemoryBytes is free system memory at sample time.
	AvailableMemoryBytes uint64 `json:"available_memory_bytes"`
	// SampledAt is when the sample was taken.
	SampledAt time.Time `json:"sampled_at"`
}
