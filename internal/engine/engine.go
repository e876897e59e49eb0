package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shardd/internal/config"
	"shardd/internal/degrade"
	"shardd/internal/hardware"
	"shardd/internal/layer"
	"shardd/internal/quant"
	"shardd/internal/registry"
	"shardd/internal/shard"
	"shardd/pkg/types"
)

// Engine wires the hardware profiler, quantization selector, model splitter,
// sharding policy and degradation controller into one explicitly constructed
// object. All mutable state lives here or in the components it owns; there
// are no package-level singletons.
type Engine struct {
	log zerolog.Logger
	cfg config.Config

	profiler *hardware.Profiler
	selector *quant.Selector
	analyzer *layer.Analyzer
	splitter *shard.Splitter
	policy   *shard.PolicyManager
	degrader *degrade.Strategy

	mu        sync.RWMutex
	models    []types.Model
	loaded    map[string]*loadedModel
	evictions int64
	startedAt time.Time
}

// loadedModel tracks a model serving one language so idle ones can be
// unloaded under pressure.
type loadedModel struct {
	Model    types.Model
	LastUsed time.Time
}

// Options adjust engine construction, mainly for tests.
type Options struct {
	// Sampler overrides the system resource sampler.
	Sampler degrade.Sampler
	// MonitorInterval overrides the degradation poll interval.
	MonitorInterval time.Duration
}

// New builds an engine from configuration. The degradation monitor is
// constructed but not started; call StartMonitoring once the daemon is up.
func New(cfg config.Config, log zerolog.Logger, opts Options) (*Engine, error) {
	models, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("scan models dir: %w", err)
	}

	profiler := hardware.NewProfiler(log)
	if cfg.ProfileRefreshSec > 0 {
		profiler.SetRefreshInterval(time.Duration(cfg.ProfileRefreshSec) * time.Second)
	}
	profiler.Refresh()

	analyzer := layer.NewAnalyzer(log)
	splitter := shard.NewSplitter(log, analyzer, cfg.ShardDir)
	policy := shard.NewPolicyManager(log, splitter, cfg.StrategyOverrides)

	e := &Engine{
		log:       log,
		cfg:       cfg,
		profiler:  profiler,
		selector:  quant.NewSelector(log),
		analyzer:  analyzer,
		splitter:  splitter,
		policy:    policy,
		models:    models,
		loaded:    make(map[string]*loadedModel),
		startedAt: time.Now(),
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = degrade.SystemSampler()
	}
	interval := cfg.MonitorInterval(10 * time.Second)
	if opts.MonitorInterval > 0 {
		interval = opts.MonitorInterval
	}
	e.degrader = degrade.New(log, sampler, degrade.Actions{
		LowerPrecision: quant.NextFallback,
		UnloadIdle:     e.unloadIdle,
		ReleaseCaches:  e.releaseCaches,
	}, degrade.WithInterval(interval))

	if cfg.AdaptiveMode != "" {
		if err := e.degrader.SetMode(types.AdaptiveMode(cfg.AdaptiveMode)); err != nil {
			e.degrader.Close(time.Second)
			return nil, err
		}
	}
	if cfg.DefaultLanguage != "" {
		_ = e.degrader.SetActiveLanguage(cfg.DefaultLanguage)
	}
	if cfg.ShardStrategy != "" {
		free := profiler.Current().FreeMemoryBytes
		if err := policy.ApplyStrategy(cfg.ShardStrategy, "configured", free); err != nil {
			e.degrader.Close(time.Second)
			return nil, err
		}
	}
	return e, nil
}

// StartMonitoring enables the periodic degradation monitor.
func (e *Engine) StartMonitoring() error { return e.degrader.StartMonitoring() }

// Close shuts down the degradation controller.
func (e *Engine) Close() error { return e.degrader.Close(5 * time.Second) }

// Ready reports whether the engine can serve requests.
func (e *Engine) Ready() bool { return true }

// ListModels returns the discovered model registry.
func (e *Engine) ListModels() []types.Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Model, len(e.models))
	copy(out, e.models)
	return out
}

// Status assembles the read-only hardware status snapshot.
func (e *Engine) Status() types.HardwareStatus {
	device := e.profiler.Current()
	snap := e.degrader.State()
	e.mu.RLock()
	loadedCount := len(e.loaded)
	evicted := e.evictions
	e.mu.RUnlock()

	return types.HardwareStatus{
		HardwareProfile:  device,
		AdaptiveMode:     snap.Mode,
		MonitoringActive: snap.Monitoring,
		ResourceState:    snap.LastSample,
		DegradationLevel: snap.State.Level.String(),
		Degradation:      snap.State,
		ActiveStrategy:   e.policy.Current().Name,
		StrategyHistory:  e.policy.History(),
		StrategySwitches: e.policy.Switches(),
		LoadedModels:     loadedCount,
		EvictedModels:    evicted,
		UptimeSeconds:    int64(time.Since(e.startedAt).Seconds()),
		ComponentsState: map[string]string{
			"device":           string(device.Kind),
			"quant_disabled":   fmt.Sprintf("%d", len(e.selector.DisabledNames())),
			"sharding":         e.policy.Current().Name,
			"loaded_models":    fmt.Sprintf("%d", loadedCount),
			"active_language":  snap.ActiveLanguage,
			"monitor_interval": e.cfg.MonitorInterval(10 * time.Second).String(),
		},
	}
}

// SetAdaptiveMode switches the degradation policy preset.
func (e *Engine) SetAdaptiveMode(mode string) error {
	if !types.ValidAdaptiveMode(mode) {
		return fmt.Errorf("unknown adaptive mode: %q", mode)
	}
	return e.degrader.SetMode(types.AdaptiveMode(mode))
}

// Reset forces a full recovery to the mode baseline and clears any strategy
// adjustments back to the configured or balanced strategy.
func (e *Engine) Reset() error {
	if err := e.degrader.Recover(true); err != nil {
		return err
	}
	name := e.cfg.ShardStrategy
	if name == "" {
		name = "balanced"
	}
	return e.policy.ApplyStrategy(name, "reset", e.profiler.Current().FreeMemoryBytes)
}

// GenerateShardingPlan derives a shard plan for a model from the current
// policy and cached hardware profile. It does no I/O.
func (e *Engine) GenerateShardingPlan(modelName string, modelSizeBytes int64) (types.ShardPlan, error) {
	if modelSizeBytes <= 0 {
		return types.ShardPlan{}, fmt.Errorf("model size must be positive")
	}
	free := e.profiler.Current().FreeMemoryBytes
	st := e.policy.SelectStrategyForModel(modelName, free)
	return shard.GeneratePlan(st.Name, modelSizeBytes)
}

// SplitModel shards a model file on disk according to the resolved strategy.
func (e *Engine) SplitModel(modelPath, strategyName string) (*types.ShardInfo, error) {
	m, err := e.findModel(modelPath)
	if err != nil {
		return nil, err
	}
	if strategyName == "" {
		strategyName = e.policy.SelectStrategyForModel(m.Name, e.profiler.Current().FreeMemoryBytes).Name
	}
	plan, err := shard.GeneratePlan(strategyName, m.SizeBytes)
	if err != nil {
		return nil, err
	}
	return e.splitter.Split(m.Path, plan)
}

// MergeModel reassembles a shard directory into a model file.
func (e *Engine) MergeModel(ctx context.Context, shardDir, outputPath string, verify bool) (string, error) {
	return e.splitter.Merge(ctx, shardDir, shard.MergeOptions{
		OutputPath: outputPath,
		Verify:     verify,
	})
}

// MemoryReport predicts the memory budget for a model at the given batch
// size alongside the current hardware profile.
func (e *Engine) MemoryReport(modelSizeBytes uint64, batchSize int, useGPU bool) (types.ResourceBudget, types.DeviceDescriptor) {
	return hardware.PredictMemory(modelSizeBytes, batchSize, useGPU), e.profiler.Current()
}

// findModel resolves a model by id, name or path from the registry.
func (e *Engine) findModel(ref string) (types.Model, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.models {
		if m.ID == ref || m.Name == ref || m.Path == ref {
			return m, nil
		}
	}
	return types.Model{}, fmt.Errorf("model not found: %s", ref)
}

// unloadIdle drops the longest-idle model not serving the active language.
// Called by the degradation controller under memory pressure.
func (e *Engine) unloadIdle(activeLanguage string, idleFor time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	var victim string
	var oldest time.Time
	for lang, lm := range e.loaded {
		if lang == activeLanguage {
			continue
		}
		if time.Since(lm.LastUsed) < idleFor {
			continue
		}
		if victim == "" || lm.LastUsed.Before(oldest) {
			victim = lang
			oldest = lm.LastUsed
		}
	}
	if victim == "" {
		return false
	}
	e.log.Info().Str("language", victim).Str("model", e.loaded[victim].Model.Name).
		Msg("unloading idle model")
	delete(e.loaded, victim)
	e.evictions++
	return true
}

func (e *Engine) releaseCaches() {
	e.mu.RLock()
	models := e.models
	e.mu.RUnlock()
	for _, m := range models {
		e.analyzer.Invalidate(m.Path)
	}
}
