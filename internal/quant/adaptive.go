package quant

import (
	"context"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// Metrics is one measured benchmark of a model under a configuration.
type Metrics struct {
	LatencyMS   float64
	MemoryBytes float64
	Throughput  float64
	EnergyJ     float64
	Accuracy    float64
}

// Target abstracts the model under optimization. The engine treats models as
// opaque; the inference subsystem supplies the measurement callbacks.
type Target interface {
	// Baseline measures the model in its current (unquantized) state.
	Baseline(ctx context.Context) (Metrics, error)
	// Evaluate measures the model under a candidate configuration.
	Evaluate(ctx context.Context, cfg types.QuantizationConfig) (Metrics, error)
}

// Candidate scoring weights over relative improvements vs the baseline.
var scoreWeights = struct {
	latency, memory, throughput, energy, accuracy float64
}{0.2, 0.2, 0.2, 0.1, 0.3}

// AdaptiveQuantizer searches a bounded configuration space for the best
// scoring per-layer quantization.
type AdaptiveQuantizer struct {
	log zerolog.Logger

	// MinBits/MaxBits bound the searched bit widths, default 4..8.
	MinBits int
	MaxBits int
}

// NewAdaptiveQuantizer builds a quantizer with the default 4..8 bit range.
func NewAdaptiveQuantizer(log zerolog.Logger) *AdaptiveQuantizer {
	return &AdaptiveQuantizer{log: log, MinBits: minBits, MaxBits: maxBits}
}

// Quantize measures the baseline, evaluates every candidate configuration
// and returns the best one with its metrics. It fails with a configuration
// error when the search space is empty or every candidate evaluation fails.
func (q *AdaptiveQuantizer) Quantize(ctx context.Context, target Target) (types.QuantizationConfig, Metrics, error) {
	space := q.searchSpace()
	if len(space) == 0 {
		return nil, Metrics{}, ErrConfiguration("empty search space (bits %d..%d)", q.MinBits, q.MaxBits)
	}

	baseline, err := target.Baseline(ctx)
	if err != nil {
		return nil, Metrics{}, ErrConfiguration("baseline measurement failed: %v", err)
	}

	var (
		best        types.QuantizationConfig
		bestMetrics Metrics
		bestScore   float64
		evaluated   int
	)
	for _, cfg := range space {
		if err := ctx.Err(); err != nil {
			return nil, Metrics{}, err
		}
		m, err := target.Evaluate(ctx, cfg)
		if err != nil {
			q.log.Debug().Err(err).Msg("candidate evaluation failed")
			continue
		}
		evaluated++
		score := scoreCandidate(baseline, m)
		if best == nil || score > bestScore {
			best = cfg
			bestMetrics = m
			bestScore = score
		}
	}
	if evaluated == 0 {
		return nil, Metrics{}, ErrConfiguration("all %d candidates failed evaluation", len(space))
	}
	q.log.Info().Int("candidates", len(space)).Int("evaluated", evaluated).
		Float64("score", bestScore).Msg("adaptive quantization search complete")
	return best, bestMetrics, nil
}

// searchSpace generates every monotonic bit assignment over the layer chain
// crossed with both schemes. Monotonicity is built in so no candidate
// violates the dependency invariant.
func (q *AdaptiveQuantizer) searchSpace() []types.QuantizationConfig {
	lo, hi := q.MinBits, q.MaxBits
	if lo < minBits {
		lo = minBits
	}
	if hi > maxBits {
		hi = maxBits
	}
	var out []types.QuantizationConfig
	for eb := lo; eb <= hi; eb++ {
		for ab := eb; ab <= hi; ab++ {
			for fb := ab; fb <= hi; fb++ {
				for _, scheme := range []types.QuantScheme{types.SchemeStatic, types.SchemeDynamic} {
					out = append(out, types.QuantizationConfig{
						types.LayerEmbedding: {Bits: eb, Scheme: scheme},
						types.LayerAttention: {Bits: ab, Scheme: scheme},
						types.LayerFFN:       {Bits: fb, Scheme: scheme},
					})
				}
			}
		}
	}
	return out
}

// scoreCandidate sums weighted relative improvements against the baseline.
// Lower-is-better dimensions (latency, memory, energy) improve when they
// shrink; higher-is-better dimensions improve when they grow.
func scoreCandidate(base, m Metrics) float64 {
	score := 0.0
	score += scoreWeights.latency * relDrop(base.LatencyMS, m.LatencyMS)
	score += scoreWeights.memory * relDrop(base.MemoryBytes, m.MemoryBytes)
	score += scoreWeights.throughput * relGain(base.Throughput, m.Throughput)
	score += scoreWeights.energy * relDrop(base.EnergyJ, m.EnergyJ)
	score += scoreWeights.accuracy * relGain(base.Accuracy, m.Accuracy)
	return score
}

func relDrop(base, cand float64) float64 {
	if base <= 0 {
		return 0
	}
	return (base - cand) / base
}

func relGain(base, cand float64) float64 {
	if base <= 0 {
		return 0
	}
	return (cand - base) / base
}
