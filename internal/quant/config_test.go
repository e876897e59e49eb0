package quant

import (
	"testing"

	"shardd/pkg/types"
)

func TestAdjustPrecisionKeepsMonotonic(t *testing.T) {
	cfg := types.QuantizationConfig{
		types.LayerEmbedding: {Bits: 6, Scheme: types.SchemeStatic},
		types.LayerAttention: {Bits: 7, Scheme: types.SchemeStatic},
		types.LayerFFN:       {Bits: 8, Scheme: types.SchemeStatic},
	}
	for _, delta := range []int{-4, -2, -1, 0, 1, 3} {
		out := AdjustPrecision(cfg, delta)
		if !Monotonic(out) {
			t.Fatalf("delta %d broke monotonicity: %+v", delta, out)
		}
		for lt, lq := range out {
			if lq.Bits < 4 || lq.Bits > 8 {
				t.Fatalf("delta %d: %s bits %d out of range", delta, lt, lq.Bits)
			}
		}
	}
}

func TestAdjustPrecisionDoesNotMutateInput(t *testing.T) {
	cfg := DefaultConfig()
	_ = AdjustPrecision(cfg, -2)
	if cfg[types.LayerFFN].Bits != 8 {
		t.Fatalf("input config mutated: %+v", cfg)
	}
}

func TestMonotonicDetectsViolation(t *testing.T) {
	cfg := types.QuantizationConfig{
		types.LayerEmbedding: {Bits: 8, Scheme: types.SchemeStatic},
		types.LayerAttention: {Bits: 4, Scheme: types.SchemeStatic},
		types.LayerFFN:       {Bits: 8, Scheme: types.SchemeStatic},
	}
	if Monotonic(cfg) {
		t.Fatalf("expected violation: attention coarser than embedding")
	}
	fixed := normalize(cfg.Clone())
	if !Monotonic(fixed) {
		t.Fatalf("normalize did not repair config: %+v", fixed)
	}
}

func TestConfigForMethod(t *testing.T) {
	m, _ := Lookup("Q2_K")
	cfg := ConfigForMethod(m)
	// 2-bit method clamps to the minimum representable width.
	for lt, lq := range cfg {
		if lq.Bits != 4 {
			t.Fatalf("%s: got %d bits, want clamp to 4", lt, lq.Bits)
		}
	}
	dyn, _ := Lookup("Dynamic")
	if ConfigForMethod(dyn)[types.LayerFFN].Scheme != types.SchemeDynamic {
		t.Fatalf("Dynamic method should produce dynamic scheme")
	}
}
