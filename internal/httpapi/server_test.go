package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"shardd/internal/shard"
	"shardd/pkg/types"
)

// fakeService implements Service with canned responses.
type fakeService struct {
	mode     string
	splitErr error
	mergeErr error
	planErr  error
	ready    bool
}

func (f *fakeService) ListModels() []types.Model {
	return []types.Model{{ID: "m.gguf", Name: "m", Format: "gguf"}}
}

func (f *fakeService) Status() types.HardwareStatus {
	return types.HardwareStatus{
		AdaptiveMode:     types.ModeBalanced,
		DegradationLevel: "normal",
		ActiveStrategy:   "balanced",
	}
}

func (f *fakeService) SetAdaptiveMode(mode string) error {
	if !types.ValidAdaptiveMode(mode) {
		return errBadMode
	}
	f.mode = mode
	return nil
}

func (f *fakeService) OptimizeForLanguage(lang string) types.OptimizeResult {
	if lang != "zh" && lang != "en" {
		return types.OptimizeResult{Success: false, Error: "unsupported language"}
	}
	return types.OptimizeResult{Success: true, Language: lang,
		OptimizedSettings: map[string]string{"precision": "Q4_K"}}
}

func (f *fakeService) GenerateShardingPlan(name string, size int64) (types.ShardPlan, error) {
	if f.planErr != nil {
		return types.ShardPlan{}, f.planErr
	}
	return types.ShardPlan{StrategyName: "balanced", NumShards: 2}, nil
}

func (f *fakeService) SplitModel(ref, strategy string) (*types.ShardInfo, error) {
	if f.splitErr != nil {
		return nil, f.splitErr
	}
	return &types.ShardInfo{ModelName: ref}, nil
}

func (f *fakeService) MergeModel(ctx context.Context, dir, out string, verify bool) (string, error) {
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	return "/tmp/out.bin", nil
}

func (f *fakeService) MemoryReport(size uint64, batch int, gpu bool) (types.ResourceBudget, types.DeviceDescriptor) {
	return types.ResourceBudget{TotalMemory: size * 2}, types.DeviceDescriptor{Kind: types.DeviceCPUAVX2}
}

func (f *fakeService) Reset() error { return nil }
func (f *fakeService) Ready() bool  { return f.ready }

var errBadMode = &badModeError{}

type badModeError struct{}

func (*badModeError) Error() string { return "unknown adaptive mode" }

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestModelsEndpoint(t *testing.T) {
	h := NewMux(&fakeService{})
	rec := doJSON(t, h, http.MethodGet, "/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].ID != "m.gguf" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := NewMux(&fakeService{})
	rec := doJSON(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var st types.HardwareStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.DegradationLevel != "normal" {
		t.Fatalf("unexpected level: %s", st.DegradationLevel)
	}
}

func TestModeEndpoint(t *testing.T) {
	svc := &fakeService{}
	h := NewMux(svc)

	rec := doJSON(t, h, http.MethodPost, "/mode", `{"mode":"memory_saving"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body)
	}
	if svc.mode != "memory_saving" {
		t.Fatalf("mode not applied: %q", svc.mode)
	}

	rec = doJSON(t, h, http.MethodPost, "/mode", `{"mode":"turbo"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestModeRequiresJSONContentType(t *testing.T) {
	h := NewMux(&fakeService{})
	req := httptest.NewRequest(http.MethodPost, "/mode", strings.NewReader(`{"mode":"balanced"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestOptimizeEndpoint(t *testing.T) {
	h := NewMux(&fakeService{})

	rec := doJSON(t, h, http.MethodPost, "/optimize", `{"language":"zh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var res types.OptimizeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.OptimizedSettings["precision"] != "Q4_K" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = doJSON(t, h, http.MethodPost, "/optimize", `{"language":"fr"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPlanErrorMapping(t *testing.T) {
	svc := &fakeService{planErr: shard.ErrUnknownStrategy("turbo")}
	h := NewMux(svc)
	rec := doJSON(t, h, http.MethodPost, "/plan", `{"model_name":"m","model_size_bytes":100}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSplitBusyMapsToConflict(t *testing.T) {
	svc := &fakeService{splitErr: shard.ErrBusy("m")}
	h := NewMux(svc)
	rec := doJSON(t, h, http.MethodPost, "/split", `{"model":"m.gguf"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", rec.Code, rec.Body)
	}
}

func TestMergeIntegrityMapsToUnprocessable(t *testing.T) {
	svc := &fakeService{mergeErr: shard.ErrIntegrity("shard_002", "checksum mismatch")}
	h := NewMux(svc)
	rec := doJSON(t, h, http.MethodPost, "/merge", `{"shard_dir":"/tmp/m_shards"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shard_002") {
		t.Fatalf("error does not name the shard: %s", rec.Body)
	}
}

func TestMemoryEndpointDefaults(t *testing.T) {
	h := NewMux(&fakeService{})
	rec := doJSON(t, h, http.MethodGet, "/memory", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Budget types.ResourceBudget   `json:"budget"`
		Device types.DeviceDescriptor `json:"device"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Budget.TotalMemory != (4<<30)*2 {
		t.Fatalf("unexpected budget: %d", resp.Budget.TotalMemory)
	}
}

func TestHealthAndReady(t *testing.T) {
	svc := &fakeService{}
	h := NewMux(svc)

	if rec := doJSON(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready: %d", rec.Code)
	}
	svc.ready = true
	if rec := doJSON(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz after ready: %d", rec.Code)
	}
}
