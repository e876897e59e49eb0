package shard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// Strategy is one named entry in the sharding strategy catalog. Strategies
// are ordered from most frugal to most performant; MemoryThresholdBytes is
// the available memory a host should have before the strategy is chosen.
type Strategy struct {
	Name                 string            `json:"name"`
	MemoryThresholdBytes uint64            `json:"memory_threshold_bytes"`
	ShardSizeBytes       int64             `json:"shard_size_bytes"`
	LoadingMode          types.LoadingMode `json:"loading_mode"`
	VerificationLevel    string            `json:"verification_level"`
	MaxConcurrentShards  int               `json:"max_concurrent_shards"`
}

// Catalog order matters: EvaluateCurrentConditions only ever suggests
// moving one step along it.
var catalog = []Strategy{
	{
		Name:                 "minimum",
		MemoryThresholdBytes: 2 << 30,
		ShardSizeBytes:       256 << 20,
		LoadingMode:          types.LoadLayerwise,
		VerificationLevel:    "full",
		MaxConcurrentShards:  1,
	},
	{
		Name:                 "conservative",
		MemoryThresholdBytes: 4 << 30,
		ShardSizeBytes:       512 << 20,
		LoadingMode:          types.LoadLayerwise,
		VerificationLevel:    "full",
		MaxConcurrentShards:  2,
	},
	{
		Name:                 "balanced",
		MemoryThresholdBytes: 8 << 30,
		ShardSizeBytes:       1 << 30,
		LoadingMode:          types.LoadPhysical,
		VerificationLevel:    "checksum",
		MaxConcurrentShards:  4,
	},
	{
		Name:                 "performance",
		MemoryThresholdBytes: 16 << 30,
		ShardSizeBytes:       2 << 30,
		LoadingMode:          types.LoadPhysical,
		VerificationLevel:    "basic",
		MaxConcurrentShards:  8,
	},
}

const historyCap = 50

// Strategies returns the catalog in ascending performance order.
func Strategies() []Strategy {
	out := make([]Strategy, len(catalog))
	copy(out, catalog)
	return out
}

// StrategyByName looks a strategy up in the catalog.
func StrategyByName(name string) (Strategy, error) {
	for _, st := range catalog {
		if st.Name == name {
			return st, nil
		}
	}
	return Strategy{}, &strategyError{name: name}
}

// AutoSelect maps available memory to the most performant strategy whose
// threshold it satisfies. Hosts below every threshold get "minimum".
func AutoSelect(availableBytes uint64) Strategy {
	chosen := catalog[0]
	for _, st := range catalog {
		if availableBytes >= st.MemoryThresholdBytes {
			chosen = st
		}
	}
	return chosen
}

// PolicyManager owns the active sharding strategy and its audit history.
type PolicyManager struct {
	log      zerolog.Logger
	splitter *Splitter

	// overrides maps model name to a forced strategy name.
	overrides map[string]string

	mu       sync.Mutex
	current  Strategy
	history  []types.StrategyHistoryRecord
	switches int64
}

// NewPolicyManager builds a manager starting on the "balanced" strategy.
// The overrides map forces specific models onto named strategies.
func NewPolicyManager(log zerolog.Logger, splitter *Splitter, overrides map[string]string) *PolicyManager {
	m := &PolicyManager{
		log:       log,
		splitter:  splitter,
		overrides: overrides,
	}
	m.current, _ = StrategyByName("balanced")
	if splitter != nil {
		splitter.SetShardSize(m.current.ShardSizeBytes)
	}
	return m
}

// Current returns the active strategy.
func (m *PolicyManager) Current() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SelectStrategyForModel resolves a model's strategy: a configured
// per-model override wins, otherwise auto-selection by available memory.
func (m *PolicyManager) SelectStrategyForModel(modelName string, availableBytes uint64) Strategy {
	if name, ok := m.overrides[modelName]; ok {
		if st, err := StrategyByName(name); err == nil {
			return st
		}
		m.log.Warn().Str("model", modelName).Str("strategy", name).
			Msg("ignoring unknown strategy override")
	}
	return AutoSelect(availableBytes)
}

// EvaluateCurrentConditions suggests at most a one-step move along the
// catalog. Memory below 0.9x the current threshold suggests the next
// strategy down; memory above 1.5x the threshold suggests the next one up.
// The hysteresis band between them keeps the strategy stable.
func (m *PolicyManager) EvaluateCurrentConditions(availableBytes uint64) (Strategy, string, bool) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	idx := 0
	for i, st := range catalog {
		if st.Name == cur.Name {
			idx = i
		}
	}
	threshold := float64(cur.MemoryThresholdBytes)
	avail := float64(availableBytes)
	if avail < 0.9*threshold && idx > 0 {
		return catalog[idx-1], "available memory below strategy threshold", true
	}
	if avail > 1.5*threshold && idx < len(catalog)-1 {
		return catalog[idx+1], "available memory well above strategy threshold", true
	}
	return cur, "", false
}

// ApplyStrategy makes a named strategy current, reconfigures the splitter's
// shard size, and appends an audit record. Unknown names fail without
// touching state.
func (m *PolicyManager) ApplyStrategy(name, reason string, availableBytes uint64) error {
	st, err := StrategyByName(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	m.current = st
	if st.Name != prev.Name {
		m.switches++
	}
	if m.splitter != nil {
		m.splitter.SetShardSize(st.ShardSizeBytes)
	}
	m.history = append(m.history, types.StrategyHistoryRecord{
		Timestamp:            time.Now(),
		PrevStrategy:         prev.Name,
		NewStrategy:          st.Name,
		Reason:               reason,
		MemoryAvailableBytes: availableBytes,
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.log.Info().Str("prev", prev.Name).Str("next", st.Name).Str("reason", reason).
		Msg("sharding strategy changed")
	return nil
}

// Switches returns the total number of strategy changes since startup.
// Unlike History it is not capped, so it survives ring eviction.
func (m *PolicyManager) Switches() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches
}

// History returns a copy of the strategy audit log, oldest first.
func (m *PolicyManager) History() []types.StrategyHistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.StrategyHistoryRecord, len(m.history))
	copy(out, m.history)
	return out
}

// GeneratePlan derives a shard plan for a model size from a named
// strategy. It does no I/O; layer groups for layer-wise plans are computed
// later at split time from the model's layer graph.
func GeneratePlan(strategyName string, modelSizeBytes int64) (types.ShardPlan, error) {
	st, err := StrategyByName(strategyName)
	if err != nil {
		return types.ShardPlan{}, err
	}
	num := int((modelSizeBytes + st.ShardSizeBytes - 1) / st.ShardSizeBytes)
	if num < 1 {
		num = 1
	}
	return types.ShardPlan{
		StrategyName:      st.Name,
		NumShards:         num,
		ShardSizeBytes:    st.ShardSizeBytes,
		LoadingMode:       st.LoadingMode,
		VerificationLevel: st.VerificationLevel,
	}, nil
}
