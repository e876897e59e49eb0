package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"shardd/pkg/types"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	degradationLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "degradation_level",
			Help:      "Current degradation level (0=normal .. 3=emergency)",
		},
	)

	memoryUsedRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "memory_used_ratio",
			Help:      "Fraction of system memory in use at last sample",
		},
	)

	cpuUsedRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "cpu_used_ratio",
			Help:      "Fraction of CPU in use at last sample",
		},
	)

	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "loaded_models",
			Help:      "Models currently loaded",
		},
	)

	evictedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "evicted_models",
			Help:      "Idle models unloaded since startup",
		},
	)

	strategySwitches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "strategy_switches",
			Help:      "Sharding strategy changes since startup",
		},
	)

	splitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardd",
			Subsystem: "engine",
			Name:      "split_operations_total",
			Help:      "Total split/merge operations by outcome",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight,
		degradationLevel, memoryUsedRatio, cpuUsedRatio, loadedModels,
		evictedModels, strategySwitches, splitTotal)
}

// SetDegradationLevel exports the engine's current level as a gauge.
func SetDegradationLevel(level int) {
	degradationLevel.Set(float64(level))
}

// SetEngineStatus exports the engine counters carried by a status snapshot.
func SetEngineStatus(st types.HardwareStatus) {
	memoryUsedRatio.Set(st.ResourceState.MemoryUsedFraction)
	cpuUsedRatio.Set(st.ResourceState.CPUUsedFraction)
	loadedModels.Set(float64(st.LoadedModels))
	evictedModels.Set(float64(st.EvictedModels))
	strategySwitches.Set(float64(st.StrategySwitches))
}

// ObserveSplitOperation records the outcome of a split or merge.
func ObserveSplitOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	splitTotal.WithLabelValues(op, outcome).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments requests for Prometheus.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		statusLabel := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
