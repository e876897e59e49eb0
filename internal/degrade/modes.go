package degrade

import (
	"time"

	"shardd/pkg/types"
)

// ModeProfile is the tuning a named adaptive mode supplies to the monitor
// loop. MemoryThreshold and CPUThreshold are used fractions in [0,1];
// UnloadDelay is how long a model must sit idle before it may be unloaded.
type ModeProfile struct {
	MemoryThreshold float64       `json:"memory_threshold"`
	CPUThreshold    float64       `json:"cpu_threshold"`
	UnloadDelay     time.Duration `json:"unload_delay"`
}

var modeProfiles = map[types.AdaptiveMode]ModeProfile{
	types.ModePerformance:  {MemoryThreshold: 0.90, CPUThreshold: 0.95, UnloadDelay: 10 * time.Minute},
	types.ModeBalanced:     {MemoryThreshold: 0.80, CPUThreshold: 0.85, UnloadDelay: 5 * time.Minute},
	types.ModeMemorySaving: {MemoryThreshold: 0.70, CPUThreshold: 0.75, UnloadDelay: time.Minute},
}

// ProfileFor returns the monitor tuning for a mode.
func ProfileFor(mode types.AdaptiveMode) (ModeProfile, bool) {
	p, ok := modeProfiles[mode]
	return p, ok
}

// defaultConfigs are the operating configurations each mode starts from and
// recovers toward.
var defaultConfigs = map[types.AdaptiveMode]types.DegradationConfig{
	types.ModePerformance: {
		ModelPrecision: "Q8_0",
		BatchSize:      8,
		VideoQuality:   "high",
		MaxConcurrent:  8,
	},
	types.ModeBalanced: {
		ModelPrecision: "Q5_K",
		BatchSize:      4,
		VideoQuality:   "high",
		MaxConcurrent:  4,
	},
	types.ModeMemorySaving: {
		ModelPrecision: "Q4_K",
		BatchSize:      2,
		VideoQuality:   "medium",
		MaxConcurrent:  2,
	},
}

// DefaultConfig returns the baseline operating config for a mode.
func DefaultConfig(mode types.AdaptiveMode) types.DegradationConfig {
	if cfg, ok := defaultConfigs[mode]; ok {
		return cfg
	}
	return defaultConfigs[types.ModeBalanced]
}

// ClassifyMemory maps a memory-used fraction to a degradation level. Below
// the warning threshold it reports no transition: the monitor never
// auto-recovers, so low readings leave the current level alone.
func ClassifyMemory(usedFraction float64) (types.DegradationLevel, bool) {
	switch {
	case usedFraction > 0.95:
		return types.LevelEmergency, true
	case usedFraction > 0.85:
		return types.LevelCritical, true
	case usedFraction > 0.75:
		return types.LevelWarning, true
	}
	return types.LevelNormal, false
}

var videoQualities = []string{"low", "medium", "high"}

func lowerVideoQuality(q string) string {
	for i, v := range videoQualities {
		if v == q && i > 0 {
			return videoQualities[i-1]
		}
	}
	return q
}

func raiseVideoQuality(q string, ceiling string) string {
	limit := len(videoQualities) - 1
	for i, v := range videoQualities {
		if v == ceiling {
			limit = i
		}
	}
	for i, v := range videoQualities {
		if v == q && i < limit {
			return videoQualities[i+1]
		}
	}
	return q
}
