package types

// LayerType classifies a model tensor into a coarse layer category.
type LayerType string

const (
	LayerEmbedding     LayerType = "embedding"
	LayerAttention     LayerType = "attention"
	LayerFFN           LayerType = "ffn"
	LayerNormalization LayerType = "normalization"
	LayerOutput        LayerType = "output"
	LayerOther         LayerType = "other"
)

// QuantScheme distinguishes fixed-range from data-dependent quantization.
type QuantScheme string

const (
	SchemeStatic  QuantScheme = "static"
	SchemeDynamic QuantScheme = "dynamic"
)

// LayerQuant is the reduced-precision setting for one layer type.
type LayerQuant struct {
	// Bits is the quantization bit width, 4..8.
	Bits int `json:"bits"`
	// Scheme selects static or dynamic range calibration.
	Scheme QuantScheme `json:"scheme"`
}

// QuantizationConfig maps each quantizable layer type to its precision.
// Invariant: a layer type may not be quantized coarser than a layer type it
// depends on (ffn depends on attention depends on embedding), so
// Bits(ffn) >= Bits(attention) >= Bits(embedding).
type QuantizationConfig map[LayerType]LayerQuant

// Clone returns an independent copy of the config.
func (c QuantizationConfig) Clone() QuantizationConfig {
	out := make(QuantizationConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
