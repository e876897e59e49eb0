package hardware

import "shardd/pkg/types"

// Memory prediction constants. The predictor is deterministic and does no
// I/O; it only turns a model size and batch size into a footprint estimate.
const (
	// systemReserveBytes is kept free for the OS and other processes.
	systemReserveBytes uint64 = 2 << 30
	// runtimeCacheCapBytes caps the predicted KV/runtime cache.
	runtimeCacheCapBytes uint64 = 2 << 30
	// gpuOverheadFactor inflates the host estimate for CUDA context,
	// fragmentation and transfer staging.
	gpuOverheadFactor = 1.7
)

// PredictMemory estimates the resident footprint of loading a model of
// modelSize bytes at the given batch size.
//
//	base          = modelSize * 1.5
//	batch extra   = modelSize * 0.1 per batch beyond the first
//	runtime cache = min(2GiB, modelSize * 0.2)
func PredictMemory(modelSize uint64, batchSize int, useGPU bool) types.ResourceBudget {
	if batchSize < 1 {
		batchSize = 1
	}
	base := modelSize + modelSize/2
	batchExtra := uint64(float64(modelSize) * 0.1 * float64(batchSize-1))
	cache := uint64(float64(modelSize) * 0.2)
	if cache > runtimeCacheCapBytes {
		cache = runtimeCacheCapBytes
	}
	total := base + batchExtra + cache + systemReserveBytes

	b := types.ResourceBudget{
		TotalMemory:   total,
		BaseMemory:    base,
		BatchMemory:   batchExtra,
		RuntimeCache:  cache,
		SystemReserve: systemReserveBytes,
	}
	if useGPU {
		b.GPUMemory = uint64(float64(total) * gpuOverheadFactor)
	}
	return b
}

// PredictOptimalBatch recommends a batch size for the available memory,
// clamped to [minBatch, maxBatch]. Memory beyond the system reserve and a
// 20% model working set is divided by a 10%-of-model per-batch cost.
func PredictOptimalBatch(availableMemory, modelSize uint64, minBatch, maxBatch int) int {
	if minBatch < 1 {
		minBatch = 1
	}
	if maxBatch < minBatch {
		maxBatch = minBatch
	}
	workingSet := uint64(float64(modelSize) * 0.2)
	if availableMemory <= systemReserveBytes+workingSet {
		return minBatch
	}
	usable := availableMemory - systemReserveBytes - workingSet
	perBatch := uint64(float64(modelSize) * 0.1)
	if perBatch == 0 {
		return maxBatch
	}
	n := int(usable / perBatch)
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return n
}
