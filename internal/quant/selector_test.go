package quant

import (
	"testing"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

func bigHost() types.DeviceDescriptor {
	return types.DeviceDescriptor{
		Kind:             types.DeviceCPUAVX2,
		PhysicalCores:    8,
		TotalMemoryBytes: 32 * gib,
		FreeMemoryBytes:  24 * gib,
		InstructionFlags: []string{"avx", "avx2"},
	}
}

func smallHost() types.DeviceDescriptor {
	return types.DeviceDescriptor{
		Kind:             types.DeviceCPUBasic,
		PhysicalCores:    2,
		TotalMemoryBytes: 4 * gib,
		FreeMemoryBytes:  2 * gib,
	}
}

func TestCheckSupportGating(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	sup := s.CheckSupport(bigHost())
	for _, name := range []string{"Q8_0", "Q6_K", "Q5_K", "Q4_K", "Q4_K_M", "Q2_K", "Dynamic"} {
		if !sup[name] {
			t.Fatalf("%s should be supported on a 32GiB avx2 host", name)
		}
	}

	s = NewSelector(zerolog.Nop())
	sup = s.CheckSupport(smallHost())
	// 4GiB, no AVX: only the flagless low-RAM methods survive.
	if sup["Q8_0"] || sup["Q6_K"] || sup["Q5_K"] || sup["Q4_K"] {
		t.Fatalf("avx methods should be unsupported without flags: %+v", sup)
	}
	if !sup["Q2_K"] || !sup["Dynamic"] {
		t.Fatalf("Q2_K and Dynamic should run anywhere: %+v", sup)
	}
}

func TestDisabledSetAppendOnly(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	s.CheckSupport(smallHost())
	before := len(s.DisabledNames())
	if before == 0 {
		t.Fatalf("expected disabled methods on small host")
	}
	// A later check against better hardware must not re-enable anything.
	s.CheckSupport(bigHost())
	if got := len(s.DisabledNames()); got != before {
		t.Fatalf("disabled set shrank: %d -> %d", before, got)
	}
}

func TestSelectPrefersQuality(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	name, info := s.Select("qwen", bigHost(), 0, 0)
	if name != "Q8_0" {
		t.Fatalf("expected Q8_0 on an unconstrained big host, got %s", name)
	}
	if info.Bits != 8 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestSelectMemoryConstraint(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	// 3.8GiB constraint rules out everything above Q4_K_M.
	gibF := float64(gib)
	name, _ := s.Select("qwen", bigHost(), uint64(3.8*gibF), 0)
	if name != "Q4_K_M" {
		t.Fatalf("expected Q4_K_M under 3.8GiB constraint, got %s", name)
	}
}

func TestSelectFallsBackToDynamic(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	// Impossible accuracy floor: nothing qualifies, must return Dynamic.
	name, info := s.Select("qwen", smallHost(), 0, 0.99)
	if name != "Dynamic" {
		t.Fatalf("expected Dynamic fallback, got %s", name)
	}
	if info.Name != "Dynamic" {
		t.Fatalf("fallback info mismatch: %+v", info)
	}
}

func TestSelectDisabledMethodsSkipped(t *testing.T) {
	s := NewSelector(zerolog.Nop())
	s.disable("Q8_0", "test")
	name, _ := s.Select("qwen", bigHost(), 0, 0)
	if name != "Q6_K" {
		t.Fatalf("expected Q6_K with Q8_0 disabled, got %s", name)
	}
}

func TestNextFallbackChain(t *testing.T) {
	want := []string{"Q6_K", "Q5_K", "Q4_K", "Q4_K_M", "Q2_K"}
	cur := "Q8_0"
	for _, next := range want {
		got, ok := NextFallback(cur)
		if !ok || got != next {
			t.Fatalf("fallback after %s: got %s ok=%v want %s", cur, got, ok, next)
		}
		cur = got
	}
	if _, ok := NextFallback("Q2_K"); ok {
		t.Fatalf("chain must be exhausted after Q2_K")
	}
	if got, ok := NextFallback("unknown"); !ok || got != "Q8_0" {
		t.Fatalf("unknown method should enter chain at top, got %s ok=%v", got, ok)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsConfiguration(ErrConfiguration("bad")) {
		t.Fatalf("IsConfiguration failed")
	}
	if !IsResourceExhausted(ErrResourceExhausted("Q2_K")) {
		t.Fatalf("IsResourceExhausted failed")
	}
	if IsConfiguration(ErrResourceExhausted("x")) {
		t.Fatalf("predicates must not overlap")
	}
}
