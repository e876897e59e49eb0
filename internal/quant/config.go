package quant

import "shardd/pkg/types"

// layerChain orders quantizable layer types from dependency to consumer:
// attention consumes embeddings, ffn consumes attention output. A consumer
// may not be quantized coarser than what it reads, so bits must be
// non-decreasing along this chain.
var layerChain = []types.LayerType{
	types.LayerEmbedding,
	types.LayerAttention,
	types.LayerFFN,
}

const (
	minBits = 4
	maxBits = 8
)

// DefaultConfig returns an 8-bit static configuration for all layer types.
func DefaultConfig() types.QuantizationConfig {
	cfg := make(types.QuantizationConfig, len(layerChain))
	for _, lt := range layerChain {
		cfg[lt] = types.LayerQuant{Bits: maxBits, Scheme: types.SchemeStatic}
	}
	return cfg
}

// ConfigForMethod derives a per-layer configuration from a method's nominal
// bit width. Embeddings take the method bits; consumers never go below them.
func ConfigForMethod(m MethodInfo) types.QuantizationConfig {
	bits := m.Bits
	if bits < minBits {
		bits = minBits
	}
	if bits > maxBits {
		bits = maxBits
	}
	scheme := types.SchemeStatic
	if m.Name == fallbackName {
		scheme = types.SchemeDynamic
	}
	cfg := make(types.QuantizationConfig, len(layerChain))
	for _, lt := range layerChain {
		cfg[lt] = types.LayerQuant{Bits: bits, Scheme: scheme}
	}
	return cfg
}

// AdjustPrecision returns a copy of cfg with every layer's bit width shifted
// by delta (negative lowers precision), clamped to [4,8] and re-normalized
// so the dependency invariant holds.
func AdjustPrecision(cfg types.QuantizationConfig, delta int) types.QuantizationConfig {
	out := cfg.Clone()
	for lt, lq := range out {
		lq.Bits = clampBits(lq.Bits + delta)
		out[lt] = lq
	}
	return normalize(out)
}

// normalize raises consumer layers so bits are non-decreasing along the
// dependency chain.
func normalize(cfg types.QuantizationConfig) types.QuantizationConfig {
	prev := 0
	for _, lt := range layerChain {
		lq, ok := cfg[lt]
		if !ok {
			continue
		}
		if lq.Bits < prev {
			lq.Bits = prev
			cfg[lt] = lq
		}
		prev = lq.Bits
	}
	return cfg
}

// Monotonic reports whether cfg satisfies the dependency invariant.
func Monotonic(cfg types.QuantizationConfig) bool {
	prev := 0
	for _, lt := range layerChain {
		lq, ok := cfg[lt]
		if !ok {
			continue
		}
		if lq.Bits < prev {
			return false
		}
		prev = lq.Bits
	}
	return true
}

func clampBits(b int) int {
	if b < minBits {
		return minBits
	}
	if b > maxBits {
		return maxBits
	}
	return b
}
