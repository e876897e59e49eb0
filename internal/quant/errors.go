package quant

import "fmt"

// configurationError signals an invalid or empty quantization configuration.
type configurationError struct{ msg string }

func (e configurationError) Error() string { return "quantization config: " + e.msg }

// ErrConfiguration constructs a configuration error.
func ErrConfiguration(format string, args ...any) error {
	return configurationError{msg: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	_, ok := err.(configurationError)
	return ok
}

// resourceExhaustedError signals that the whole fallback chain was consumed
// without finding a workable method.
type resourceExhaustedError struct{ last string }

func (e resourceExhaustedError) Error() string {
	return "quantization fallback chain exhausted after " + e.last
}

// ErrResourceExhausted constructs a resource-exhaustion error.
func ErrResourceExhausted(lastMethod string) error {
	return resourceExhaustedError{last: lastMethod}
}

// IsResourceExhausted reports whether err indicates chain exhaustion.
func IsResourceExhausted(err error) bool {
	_, ok := err.(resourceExhaustedError)
	return ok
}

// qualityRecoveryError signals that dequantization recovery hit its retry
// cap without meeting the quality threshold. It is fatal and must surface.
type qualityRecoveryError struct {
	quality  float64
	attempts int
}

func (e qualityRecoveryError) Error() string {
	return fmt.Sprintf("dequantization quality %.3f below threshold after %d recovery attempts", e.quality, e.attempts)
}

// IsQualityRecovery reports whether err is a fatal quality-recovery failure.
func IsQualityRecovery(err error) bool {
	_, ok := err.(qualityRecoveryError)
	return ok
}
