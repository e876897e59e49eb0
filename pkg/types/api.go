package types

// Model represents a discoverable model artifact on disk.
type Model struct {
	// ID is the stable identifier (the file name).
	ID string `json:"id"`
	// Name is a human-friendly name.
	Name string `json:"name"`
	// Path is the absolute path to the model file.
	Path string `json:"path"`
	// SizeBytes is the artifact size on disk.
	SizeBytes int64 `json:"size_bytes"`
	// Format is the detected model file format (gguf, safetensors, pytorch).
	Format string `json:"format,omitempty"`
	// Quant is the quantization variant parsed from the file name, if any.
	Quant string `json:"quant,omitempty"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// HardwareStatus is the read-only snapshot returned by GET /status and
// `shardctl status`.
type HardwareStatus struct {
	HardwareProfile  DeviceDescriptor        `json:"hardware_profile"`
	AdaptiveMode     AdaptiveMode            `json:"adaptive_mode"`
	ComponentsState  map[string]string       `json:"components_state"`
	MonitoringActive bool                    `json:"monitoring_active"`
	ResourceState    ResourceSample          `json:"resource_state"`
	DegradationLevel string                  `json:"degradation_level"`
	Degradation      DegradationState        `json:"degradation"`
	ActiveStrategy   string                  `json:"active_strategy"`
	StrategyHistory  []StrategyHistoryRecord `json:"strategy_history,omitempty"`
	StrategySwitches int64                   `json:"strategy_switches"`
	LoadedModels     int                     `json:"loaded_models"`
	EvictedModels    int64                   `json:"evicted_models"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
}

// OptimizeResult is returned by optimize-for-language calls. Success false
// with Error set means "operation failed"; success true with a non-empty
// Warnings slice means "degraded but operating".
type OptimizeResult struct {
	Success           bool              `json:"success"`
	Language          string            `json:"language,omitempty"`
	OptimizedSettings map[string]string `json:"optimized_settings,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// ModeRequest is the body of POST /mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// PlanRequest is the body of POST /plan.
type PlanRequest struct {
	ModelName      string `json:"model_name"`
	ModelSizeBytes int64  `json:"model_size_bytes"`
}
