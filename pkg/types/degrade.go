package types

// DegradationLevel is the coarse severity tier driving resource-saving
// actions. Levels only escalate automatically; recovery is explicit.
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// AdaptiveMode names a degradation policy preset.
type AdaptiveMode string

const (
	ModePerformance  AdaptiveMode = "performance"
	ModeBalanced     AdaptiveMode = "balanced"
	ModeMemorySaving AdaptiveMode = "memory_saving"
)

// ValidAdaptiveMode reports whether s names a known adaptive mode.
func ValidAdaptiveMode(s string) bool {
	switch AdaptiveMode(s) {
	case ModePerformance, ModeBalanced, ModeMemorySaving:
		return true
	}
	return false
}

// DegradationConfig is the operating configuration adjusted as the
// degradation level changes.
type DegradationConfig struct {
	// ModelPrecision is the active quantization method name (e.g. "Q4_K").
	ModelPrecision string `json:"model_precision"`
	// BatchSize is the current inference batch size, floor 1.
	BatchSize int `json:"batch_size"`
	// VideoQuality is the rendering quality hint passed downstream.
	VideoQuality string `json:"video_quality"`
	// MaxConcurrent is the concurrent-task ceiling, floor 1.
	MaxConcurrent int `json:"max_concurrent"`
}

// DegradationState is the externally visible controller state. Snapshots are
// immutable copies; only the monitor goroutine produces new ones.
type DegradationState struct {
	Level  DegradationLevel  `json:"level"`
	Config DegradationConfig `json:"config"`
}
