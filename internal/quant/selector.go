package quant

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// Selection scoring weights: accuracy dominates, hardware fit and
// performance cost split the rest.
const (
	weightAccuracy    = 0.4
	weightHardware    = 0.3
	weightPerformance = 0.3
)

// Selector chooses a quantization method compatible with the host. Methods
// found unsupported are recorded in an append-only disabled set and never
// re-enabled automatically; a process restart starts clean.
type Selector struct {
	log zerolog.Logger

	mu       sync.Mutex
	disabled map[string]string // method name -> reason
}

// NewSelector builds a Selector with no disabled methods.
func NewSelector(log zerolog.Logger) *Selector {
	return &Selector{log: log, disabled: make(map[string]string)}
}

// CheckSupport evaluates every known method against the device. Methods that
// fail any requirement are marked disabled.
func (s *Selector) CheckSupport(d types.DeviceDescriptor) map[string]bool {
	out := make(map[string]bool, len(methods))
	for _, m := range methods {
		ok, reason := supported(m, d)
		out[m.Name] = ok
		if !ok {
			s.disable(m.Name, reason)
		}
	}
	return out
}

// Select scores every enabled, compatible method and returns the best. When
// nothing qualifies it returns the lowest-requirement fallback rather than
// an error. memoryConstraint of 0 means unconstrained; minAccuracy of 0
// means no floor.
func (s *Selector) Select(modelType string, d types.DeviceDescriptor, memoryConstraint uint64, minAccuracy float64) (string, MethodInfo) {
	hw := hardwareWeight(d)

	var bestName string
	var bestInfo MethodInfo
	bestScore := -1.0
	for _, m := range methods {
		if m.Name == fallbackName {
			continue
		}
		if s.isDisabled(m.Name) {
			continue
		}
		if ok, reason := supported(m, d); !ok {
			s.disable(m.Name, reason)
			continue
		}
		if memoryConstraint > 0 && m.MinRAMBytes > memoryConstraint {
			continue
		}
		acc := m.Accuracy(modelType)
		if minAccuracy > 0 && acc < minAccuracy {
			continue
		}
		score := weightAccuracy*acc + weightHardware*hw + weightPerformance*(1-m.PerformanceImpact)
		if score > bestScore {
			bestScore = score
			bestName = m.Name
			bestInfo = m
		}
	}
	if bestName == "" {
		fb, _ := Lookup(fallbackName)
		s.log.Warn().Str("model_type", modelType).Msg("no quantization method qualifies, using dynamic fallback")
		return fallbackName, fb
	}
	return bestName, bestInfo
}

// Disabled returns the currently disabled methods and their reasons, sorted
// by name for stable output.
func (s *Selector) Disabled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.disabled))
	for k, v := range s.disabled {
		out[k] = v
	}
	return out
}

// DisabledNames returns the disabled method names in sorted order.
func (s *Selector) DisabledNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.disabled))
	for k := range s.disabled {
		names = append(names, k)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

func (s *Selector) disable(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.disabled[name]; exists {
		return
	}
	s.disabled[name] = reason
	s.log.Debug().Str("method", name).Str("reason", reason).Msg("quantization method disabled")
}

func (s *Selector) isDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.disabled[name]
	return ok
}

// supported checks a method's RAM, VRAM and instruction-set requirements.
func supported(m MethodInfo, d types.DeviceDescriptor) (bool, string) {
	if d.TotalMemoryBytes > 0 && d.TotalMemoryBytes < m.MinRAMBytes {
		return false, "insufficient ram"
	}
	if m.RequiresCUDA {
		if !d.GPUAvailable {
			return false, "cuda required"
		}
		if d.FreeVRAMBytes < m.MinVRAMBytes {
			return false, "insufficient vram"
		}
	}
	for _, f := range m.RequiredFlags {
		if !d.HasFlag(f) {
			return false, "missing instruction set: " + f
		}
	}
	return true, ""
}
