package quant

import "shardd/pkg/types"

// MethodInfo describes one quantization method and its hardware requirements.
type MethodInfo struct {
	// Name is the GGUF-style method name, e.g. "Q4_K_M".
	Name string
	// Bits is the nominal bit width.
	Bits int
	// BytesPerParam is the storage cost per model parameter.
	BytesPerParam float64
	// MinRAMBytes is the minimum system RAM this method needs.
	MinRAMBytes uint64
	// MinVRAMBytes is the minimum free VRAM when RequiresCUDA is set.
	MinVRAMBytes uint64
	// RequiresCUDA marks methods only usable with a CUDA device.
	RequiresCUDA bool
	// RequiredFlags lists CPU instruction-set flags the kernels need.
	RequiredFlags []string
	// PerformanceImpact is the throughput fraction lost vs full precision.
	PerformanceImpact float64

	accuracy map[string]float64
}

// Accuracy returns the expected quality retention for a model family.
func (m MethodInfo) Accuracy(modelType string) float64 {
	if v, ok := m.accuracy[modelType]; ok {
		return v
	}
	if v, ok := m.accuracy["default"]; ok {
		return v
	}
	return 0.8
}

const gib = uint64(1) << 30

// methods lists known methods best-quality first. The ordering doubles as
// the resource-error fallback chain: each step is cheaper than the last.
var methods = []MethodInfo{
	{
		Name: "Q8_0", Bits: 8, BytesPerParam: 1.05,
		MinRAMBytes: 8 * gib, RequiredFlags: []string{"avx2"},
		PerformanceImpact: 0.05,
		accuracy:          map[string]float64{"default": 0.98, "chatglm": 0.97, "qwen": 0.98},
	},
	{
		Name: "Q6_K", Bits: 6, BytesPerParam: 0.80,
		MinRAMBytes: 6 * gib, RequiredFlags: []string{"avx2"},
		PerformanceImpact: 0.10,
		accuracy:          map[string]float64{"default": 0.96, "chatglm": 0.95, "qwen": 0.96},
	},
	{
		Name: "Q5_K", Bits: 5, BytesPerParam: 0.68,
		MinRAMBytes: 5 * gib, RequiredFlags: []string{"avx"},
		PerformanceImpact: 0.15,
		accuracy:          map[string]float64{"default": 0.94, "chatglm": 0.93, "qwen": 0.94},
	},
	{
		Name: "Q4_K", Bits: 4, BytesPerParam: 0.60,
		MinRAMBytes: 4 * gib, RequiredFlags: []string{"avx"},
		PerformanceImpact: 0.20,
		accuracy:          map[string]float64{"default": 0.92, "chatglm": 0.90, "qwen": 0.92},
	},
	{
		Name: "Q4_K_M", Bits: 4, BytesPerParam: 0.58,
		MinRAMBytes: 3 * gib, RequiredFlags: []string{"avx"},
		PerformanceImpact: 0.22,
		accuracy:          map[string]float64{"default": 0.90, "chatglm": 0.88, "qwen": 0.90},
	},
	{
		Name: "Q2_K", Bits: 2, BytesPerParam: 0.37,
		MinRAMBytes:       2 * gib,
		PerformanceImpact: 0.35,
		accuracy:          map[string]float64{"default": 0.80, "chatglm": 0.76, "qwen": 0.80},
	},
	{
		// Dynamic is the lowest-requirement fallback: per-tensor dynamic
		// ranges computed at load time, runs anywhere.
		Name: "Dynamic", Bits: 8, BytesPerParam: 1.10,
		MinRAMBytes:       1 * gib,
		PerformanceImpact: 0.30,
		accuracy:          map[string]float64{"default": 0.85},
	},
}

// fallbackName is returned when no method satisfies the constraints.
const fallbackName = "Dynamic"

// Methods returns the method table, best quality first.
func Methods() []MethodInfo {
	out := make([]MethodInfo, len(methods))
	copy(out, methods)
	return out
}

// Lookup finds a method by name.
func Lookup(name string) (MethodInfo, bool) {
	for _, m := range methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodInfo{}, false
}

// fallbackChain is the fixed degradation order for resource errors. After
// the last entry the only remaining step is plain CPU mode.
var fallbackChain = []string{"Q8_0", "Q6_K", "Q5_K", "Q4_K", "Q4_K_M", "Q2_K"}

// NextFallback returns the next-cheaper method after current. ok is false
// when the chain is exhausted and the caller must drop to CPU mode.
func NextFallback(current string) (string, bool) {
	for i, name := range fallbackChain {
		if name == current {
			if i+1 < len(fallbackChain) {
				return fallbackChain[i+1], true
			}
			return "", false
		}
	}
	// Unknown starting point enters the chain at the top.
	return fallbackChain[0], true
}

// hardwareWeight scores how well the host suits quantized kernels, in [0,1].
func hardwareWeight(d types.DeviceDescriptor) float64 {
	switch {
	case d.GPUAvailable && d.FreeVRAMBytes >= 2*gib:
		return 1.0
	case d.HasFlag("avx512f"):
		return 0.95
	case d.HasFlag("avx2"):
		return 0.9
	case d.HasFlag("avx"):
		return 0.75
	default:
		return 0.5
	}
}
