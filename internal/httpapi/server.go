package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shardd/internal/shard"
	"shardd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.HardwareStatus
	SetAdaptiveMode(mode string) error
	OptimizeForLanguage(lang string) types.OptimizeResult
	GenerateShardingPlan(modelName string, modelSizeBytes int64) (types.ShardPlan, error)
	SplitModel(modelRef, strategyName string) (*types.ShardInfo, error)
	MergeModel(ctx context.Context, shardDir, outputPath string, verify bool) (string, error)
	MemoryReport(modelSizeBytes uint64, batchSize int, useGPU bool) (types.ResourceBudget, types.DeviceDescriptor)
	Reset() error
	Ready() bool
}

type splitRequest struct {
	Model    string `json:"model"`
	Strategy string `json:"strategy,omitempty"`
}

type mergeRequest struct {
	ShardDir   string `json:"shard_dir"`
	OutputPath string `json:"output_path,omitempty"`
	Verify     *bool  `json:"verify,omitempty"`
}

type optimizeRequest struct {
	Language string `json:"language"`
}

// NewMux builds the management API router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: svc.ListModels()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st := svc.Status()
		SetDegradationLevel(int(st.Degradation.Level))
		SetEngineStatus(st)
		writeJSON(w, http.StatusOK, st)
	})

	r.Post("/mode", func(w http.ResponseWriter, r *http.Request) {
		var req types.ModeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := svc.SetAdaptiveMode(req.Mode); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
	})

	r.Post("/optimize", func(w http.ResponseWriter, r *http.Request) {
		var req optimizeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res := svc.OptimizeForLanguage(req.Language)
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, res)
	})

	r.Post("/plan", func(w http.ResponseWriter, r *http.Request) {
		var req types.PlanRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		plan, err := svc.GenerateShardingPlan(req.ModelName, req.ModelSizeBytes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})

	r.Post("/split", func(w http.ResponseWriter, r *http.Request) {
		var req splitRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		info, err := svc.SplitModel(req.Model, req.Strategy)
		ObserveSplitOperation("split", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	r.Post("/merge", func(w http.ResponseWriter, r *http.Request) {
		var req mergeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ShardDir) == "" {
			writeJSONError(w, http.StatusBadRequest, "shard_dir is required")
			return
		}
		verify := true
		if req.Verify != nil {
			verify = *req.Verify
		}
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		out, err := svc.MergeModel(ctx, req.ShardDir, req.OutputPath, verify)
		ObserveSplitOperation("merge", err)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"output": out})
	})

	r.Get("/memory", func(w http.ResponseWriter, r *http.Request) {
		size := queryUint(r, "model_size", 4<<30)
		batch := int(queryUint(r, "batch", 1))
		gpu := r.URL.Query().Get("gpu") == "true"
		budget, device := svc.MemoryReport(size, batch, gpu)
		writeJSON(w, http.StatusOK, map[string]any{
			"budget": budget,
			"device": device,
		})
	})

	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Reset(); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// decodeJSON enforces content type and body limits, writing the error
// response itself when decoding fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeServiceError maps well-known engine errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case shard.IsUnknownStrategy(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case shard.IsBusy(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case shard.IsIntegrity(err):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case strings.Contains(err.Error(), "not found"):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
