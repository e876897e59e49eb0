package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"shardd/internal/hardware"
	"shardd/pkg/types"
)

// defaultModelSize stands in when no model artifact is present for a
// language, so predictions still have something to work from.
const defaultModelSize = 4 << 30

// OptimizeForLanguage tunes the engine for serving one language: it picks a
// device, a quantization method and a batch size sized to current memory,
// marks the language active, and returns the applied settings. Failure is
// reported in the result, not as an error, so callers can relay it as-is.
func (e *Engine) OptimizeForLanguage(lang string) types.OptimizeResult {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang != "zh" && lang != "en" {
		return types.OptimizeResult{
			Success: false,
			Error:   fmt.Sprintf("unsupported language: %q (want zh or en)", lang),
		}
	}

	device := e.profiler.Refresh()
	if st, reason, move := e.policy.EvaluateCurrentConditions(device.FreeMemoryBytes); move {
		if err := e.policy.ApplyStrategy(st.Name, reason, device.FreeMemoryBytes); err != nil {
			e.log.Warn().Err(err).Str("strategy", st.Name).Msg("strategy adjustment failed")
		}
	}
	model, found := e.modelForLanguage(lang)
	modelSize := uint64(defaultModelSize)
	if found && model.SizeBytes > 0 {
		modelSize = uint64(model.SizeBytes)
	}

	budget := hardware.PredictMemory(modelSize, 1, device.GPUAvailable)
	kind := e.profiler.SelectDevice("", budget.TotalMemory)
	method, _ := e.selector.Select("llm", device, device.FreeMemoryBytes, 0)
	batch := hardware.PredictOptimalBatch(device.FreeMemoryBytes, modelSize, 1, 8)

	var warnings []string
	if method == "Dynamic" {
		warnings = append(warnings, "no static quantization method fits this host, using dynamic quantization")
	}
	if kind == types.DeviceCPUBasic {
		warnings = append(warnings, "no SIMD acceleration available, inference will be slow")
	}
	if !found {
		warnings = append(warnings, fmt.Sprintf("no model artifact found for language %s", lang))
	}

	if err := e.degrader.SetActiveLanguage(lang); err != nil {
		return types.OptimizeResult{Success: false, Language: lang, Error: err.Error()}
	}
	e.mu.Lock()
	if found {
		e.loaded[lang] = &loadedModel{Model: model, LastUsed: time.Now()}
	}
	e.mu.Unlock()

	settings := map[string]string{
		"device":           string(kind),
		"precision":        method,
		"batch_size":       strconv.Itoa(batch),
		"predicted_memory": humanize.IBytes(budget.TotalMemory),
		"strategy":         e.policy.Current().Name,
	}
	if found {
		settings["model"] = model.Name
	}

	e.log.Info().Str("language", lang).Str("device", string(kind)).
		Str("precision", method).Int("batch", batch).Msg("optimized for language")
	return types.OptimizeResult{
		Success:           true,
		Language:          lang,
		OptimizedSettings: settings,
		Warnings:          warnings,
	}
}

// modelForLanguage picks the registry model best matching a language hint:
// a name containing the language code wins, otherwise the smallest model is
// assumed to be the general-purpose one.
func (e *Engine) modelForLanguage(lang string) (types.Model, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var fallback types.Model
	var have bool
	for _, m := range e.models {
		name := strings.ToLower(m.Name)
		if strings.Contains(name, "-"+lang) || strings.Contains(name, "_"+lang) ||
			strings.HasPrefix(name, lang+"-") {
			return m, true
		}
		if !have || m.SizeBytes < fallback.SizeBytes {
			fallback, have = m, true
		}
	}
	return fallback, have
}
