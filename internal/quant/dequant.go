package quant

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shardd/pkg/types"
)

// Restorable abstracts a quantized model that can be converted back to full
// precision. The inference subsystem supplies the implementation.
type Restorable interface {
	// Dequantize converts quantized tensors back to full precision and
	// returns a quality score in [0,1].
	Dequantize(cfg types.QuantizationConfig) (float64, error)
	// RestoreSnapshot restores cached pre-quantization weights. ok is false
	// when no snapshot was cached.
	RestoreSnapshot() (ok bool, err error)
	// CastToFloat performs a plain float cast of the quantized weights, the
	// last-resort recovery path.
	CastToFloat() error
}

// Dequantizer defaults.
const (
	defaultQualityThreshold = 0.85
	defaultRecoveryTimeout  = 30 * time.Second
	defaultMaxRetries       = 3
)

// Dequantizer reverses quantization and runs emergency recovery when the
// resulting quality is below threshold. Recovery attempts are rate limited
// and capped; exceeding the cap is fatal and surfaces to the caller.
type Dequantizer struct {
	log zerolog.Logger

	QualityThreshold float64
	RecoveryTimeout  time.Duration
	MaxRetries       int

	mu           sync.Mutex
	attempts     int
	lastRecovery time.Time

	now func() time.Time
}

// NewDequantizer builds a Dequantizer with default thresholds.
func NewDequantizer(log zerolog.Logger) *Dequantizer {
	return &Dequantizer{
		log:              log,
		QualityThreshold: defaultQualityThreshold,
		RecoveryTimeout:  defaultRecoveryTimeout,
		MaxRetries:       defaultMaxRetries,
		now:              time.Now,
	}
}

// errRecoveryRateLimited is transient: a retry after the timeout may work.
type errRecoveryRateLimited struct{ wait time.Duration }

func (e errRecoveryRateLimited) Error() string {
	return fmt.Sprintf("quality recovery rate limited, retry in %s", e.wait.Round(time.Second))
}

// IsRecoveryRateLimited reports whether err means "recovery postponed".
func IsRecoveryRateLimited(err error) bool {
	_, ok := err.(errRecoveryRateLimited)
	return ok
}

// Dequantize converts target back to full precision. When post-conversion
// quality is below QualityThreshold it invokes emergency recovery: restore
// the cached pre-quantization snapshot when present, otherwise a plain
// float cast. Returns nil when the model ends up usable (possibly degraded).
func (d *Dequantizer) Dequantize(target Restorable, cfg types.QuantizationConfig) error {
	quality, err := target.Dequantize(cfg)
	if err != nil {
		return fmt.Errorf("dequantize: %w", err)
	}
	if quality >= d.QualityThreshold {
		d.mu.Lock()
		d.attempts = 0
		d.mu.Unlock()
		return nil
	}

	d.log.Warn().Float64("quality", quality).Float64("threshold", d.QualityThreshold).
		Msg("dequantization quality below threshold, attempting recovery")
	return d.recover(target, quality)
}

func (d *Dequantizer) recover(target Restorable, quality float64) error {
	d.mu.Lock()
	if d.attempts >= d.MaxRetries {
		attempts := d.attempts
		d.mu.Unlock()
		return qualityRecoveryError{quality: quality, attempts: attempts}
	}
	if !d.lastRecovery.IsZero() {
		if elapsed := d.now().Sub(d.lastRecovery); elapsed < d.RecoveryTimeout {
			d.mu.Unlock()
			return errRecoveryRateLimited{wait: d.RecoveryTimeout - elapsed}
		}
	}
	d.attempts++
	d.lastRecovery = d.now()
	attempt := d.attempts
	d.mu.Unlock()

	ok, err := target.RestoreSnapshot()
	if err != nil {
		return fmt.Errorf("restore snapshot (attempt %d): %w", attempt, err)
	}
	if ok {
		d.log.Info().Int("attempt", attempt).Msg("restored cached pre-quantization weights")
		return nil
	}
	if err := target.CastToFloat(); err != nil {
		return fmt.Errorf("float cast fallback (attempt %d): %w", attempt, err)
	}
	d.log.Info().Int("attempt", attempt).Msg("no cached weights, recovered via float cast")
	return nil
}

// Attempts returns the recovery attempts since the last clean dequantize.
func (d *Dequantizer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}
