package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jobrunner/cribrum/internal/config"
	"github.com/jobrunner/cribrum/internal/domain"
	"github.com/jobrunner/cribrum/internal/ports/input"
)

// stubEngine implements input.FilterEngine with scripted responses.
type stubEngine struct {
	submitHandle domain.TaskHandle
	submitErr    error
	batchHandles []domain.TaskHandle
	batchErr     error
	cancelErr    error
	status       domain.TaskStatus
	statusErr    error
	report       domain.RestoreReport
	restoreErr   error

	lastRequest domain.FilterRequest
	lastBatch   domain.BatchRequest
}

func (s *stubEngine) SubmitFilter(ctx context.Context, req domain.FilterRequest) (domain.TaskHandle, error) {
	s.lastRequest = req
	return s.submitHandle, s.submitErr
}

func (s *stubEngine) SubmitBatch(ctx context.Context, req domain.BatchRequest) ([]domain.TaskHandle, error) {
	s.lastBatch = req
	return s.batchHandles, s.batchErr
}

func (s *stubEngine) Cancel(taskID string) error { return s.cancelErr }

func (s *stubEngine) TaskStatus(taskID string) (domain.TaskStatus, error) {
	return s.status, s.statusErr
}

func (s *stubEngine) Undo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	return s.report, s.restoreErr
}

func (s *stubEngine) Redo(ctx context.Context, sessionID string) (domain.RestoreReport, error) {
	return s.report, s.restoreErr
}

func (s *stubEngine) BackendInfo(ctx context.Context, layerID string) (input.BackendInfo, error) {
	return input.BackendInfo{Kind: domain.BackendEmbedded}, nil
}

// stubCatalog implements input.LayerCatalog.
type stubCatalog struct {
	layers []domain.LayerDescriptor
	state  domain.FilterState
	err    error
}

func (c *stubCatalog) ListLayers(ctx context.Context) ([]domain.LayerDescriptor, error) {
	return c.layers, c.err
}

func (c *stubCatalog) GetLayer(ctx context.Context, id string) (*domain.LayerDescriptor, error) {
	if c.err != nil {
		return nil, c.err
	}
	for i := range c.layers {
		if c.layers[i].ID == id {
			return &c.layers[i], nil
		}
	}
	return nil, domain.ErrLayerNotFound
}

func (c *stubCatalog) GetLayerState(ctx context.Context, id string) (domain.FilterState, error) {
	return c.state, c.err
}

// stubHealth implements input.HealthChecker.
type stubHealth struct {
	healthy bool
	ready   bool
}

func (h *stubHealth) IsHealthy(ctx context.Context) bool { return h.healthy }
func (h *stubHealth) IsReady(ctx context.Context) bool   { return h.ready }
func (h *stubHealth) GetHealthDetails(ctx context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:    h.healthy,
		Ready:      h.ready,
		Components: map[string]string{"backend.embedded": "ok"},
	}
}

func testServer(engine *stubEngine, catalog *stubCatalog, health *stubHealth) *Server {
	if engine == nil {
		engine = &stubEngine{}
	}
	if catalog == nil {
		catalog = &stubCatalog{}
	}
	if health == nil {
		health = &stubHealth{healthy: true, ready: true}
	}
	cfg := config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	logger := slog.New(slog.DiscardHandler)
	return NewServer(cfg, engine, catalog, health, nil, logger)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestSubmitFilter(t *testing.T) {
	engine := &stubEngine{submitHandle: domain.TaskHandle{ID: "task-1"}}
	srv := testServer(engine, nil, nil)

	payload := `{
		"session_id": "s1",
		"target_layer": "atlas.parcels",
		"reference_layer": "atlas.rivers",
		"reference_feature_ids": [4, 7],
		"predicate": "intersects",
		"buffer": {"distance": 50, "unit": "meters"}
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["task_id"] != "task-1" {
		t.Errorf("task_id = %v, want task-1", body["task_id"])
	}

	got := engine.lastRequest
	if got.TargetLayer != "atlas.parcels" {
		t.Errorf("TargetLayer = %q, want atlas.parcels", got.TargetLayer)
	}
	if got.Predicate != domain.PredIntersects {
		t.Errorf("Predicate = %q, want intersects", got.Predicate)
	}
	if got.Buffer == nil || got.Buffer.Distance != 50 || got.Buffer.Unit != domain.UnitMeters {
		t.Errorf("Buffer = %+v, want 50 m", got.Buffer)
	}
	if len(got.ReferenceFeatureIDs) != 2 {
		t.Errorf("ReferenceFeatureIDs = %v, want 2 ids", got.ReferenceFeatureIDs)
	}
}

func TestSubmitBatchFilter(t *testing.T) {
	engine := &stubEngine{
		batchHandles: []domain.TaskHandle{{ID: "task-1"}, {ID: "task-2"}},
	}
	srv := testServer(engine, nil, nil)

	payload := `{
		"session_id": "s1",
		"target_layers": ["atlas.parcels", "atlas.roads"],
		"reference_layer": "atlas.rivers",
		"reference_feature_ids": [4, 7],
		"predicate": "intersects"
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters/batch", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	body := decodeBody(t, rec)
	ids, ok := body["task_ids"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Fatalf("task_ids = %v, want 2 ids", body["task_ids"])
	}
	if ids[0] != "task-1" || ids[1] != "task-2" {
		t.Errorf("task_ids = %v, want [task-1 task-2]", ids)
	}

	got := engine.lastBatch
	if len(got.TargetLayers) != 2 || got.TargetLayers[1] != "atlas.roads" {
		t.Errorf("TargetLayers = %v, want [atlas.parcels atlas.roads]", got.TargetLayers)
	}
	if got.Predicate != domain.PredIntersects {
		t.Errorf("Predicate = %q, want intersects", got.Predicate)
	}
	if len(got.ReferenceFeatureIDs) != 2 {
		t.Errorf("ReferenceFeatureIDs = %v, want 2 ids", got.ReferenceFeatureIDs)
	}
}

func TestSubmitBatchValidationError(t *testing.T) {
	engine := &stubEngine{
		batchErr: &domain.ValidationError{Field: "target_layers", Message: "at least one target layer is required"},
	}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters/batch", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSubmitFilterInvalidJSON(t *testing.T) {
	srv := testServer(nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSubmitFilterValidationError(t *testing.T) {
	engine := &stubEngine{
		submitErr: &domain.ValidationError{Field: "target_layer", Message: "target layer is required"},
	}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	body := decodeBody(t, rec)
	if body["message"] != "target layer is required" {
		t.Errorf("message = %v, want validation message", body["message"])
	}
}

func TestTaskStatusCompleted(t *testing.T) {
	finished := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := &stubEngine{
		status: domain.TaskStatus{
			ID:          "task-9",
			State:       domain.TaskCompleted,
			TargetLayer: "atlas.parcels",
			Backend:     domain.BackendEmbedded,
			SubmittedAt: finished.Add(-time.Second),
			Result: &domain.FilterResult{
				FeatureIDs: []int64{1, 2, 3},
				Backend:    domain.BackendEmbedded,
				Elapsed:    120 * time.Millisecond,
			},
		},
	}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-9", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["state"] != string(domain.TaskCompleted) {
		t.Errorf("state = %v, want %s", body["state"], domain.TaskCompleted)
	}
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result missing from body: %v", body)
	}
	if result["match_count"] != float64(3) {
		t.Errorf("match_count = %v, want 3", result["match_count"])
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	engine := &stubEngine{statusErr: domain.ErrTaskNotFound}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCancelTaskConflict(t *testing.T) {
	engine := &stubEngine{cancelErr: domain.ErrTaskNotCancellable}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestUndoReturnsReport(t *testing.T) {
	engine := &stubEngine{
		report: domain.RestoreReport{
			OperationID:    "op-3",
			SessionID:      "s1",
			RestoredLayers: []string{"atlas.parcels"},
		},
	}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/undo", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["operation_id"] != "op-3" {
		t.Errorf("operation_id = %v, want op-3", body["operation_id"])
	}
}

func TestUndoHistoryExhausted(t *testing.T) {
	engine := &stubEngine{restoreErr: domain.ErrHistoryExhausted}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/undo", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestRedoSessionNotFound(t *testing.T) {
	engine := &stubEngine{restoreErr: domain.ErrSessionNotFound}
	srv := testServer(engine, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ghost/redo", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestListLayers(t *testing.T) {
	catalog := &stubCatalog{
		layers: []domain.LayerDescriptor{
			{ID: "atlas.parcels", Name: "Parcels", StorageKind: domain.KindEmbedded, FeatureCount: 1200},
			{ID: "atlas.rivers", Name: "Rivers", StorageKind: domain.KindEmbedded, FeatureCount: 80},
		},
	}
	srv := testServer(nil, catalog, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/layers", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestGetLayerNotFound(t *testing.T) {
	srv := testServer(nil, &stubCatalog{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/layers/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestLayerState(t *testing.T) {
	catalog := &stubCatalog{
		state: domain.FilterState{FeatureIDs: []int64{5, 9}, Expression: "zone = 'A'"},
	}
	srv := testServer(nil, catalog, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/layers/atlas.parcels/state", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["filtered"] != true {
		t.Errorf("filtered = %v, want true", body["filtered"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		healthy  bool
		ready    bool
		wantCode int
	}{
		{"health ok", "/health", true, true, http.StatusOK},
		{"health degraded", "/health", false, false, http.StatusServiceUnavailable},
		{"liveness ok", "/health/live", true, false, http.StatusOK},
		{"readiness ok", "/health/ready", true, true, http.StatusOK},
		{"readiness not ready", "/health/ready", true, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(nil, nil, &stubHealth{healthy: tt.healthy, ready: tt.ready})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestBackendInfo(t *testing.T) {
	srv := testServer(&stubEngine{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/layers/atlas.parcels/backend", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body["backend"] != string(domain.BackendEmbedded) {
		t.Errorf("backend = %v, want %s", body["backend"], domain.BackendEmbedded)
	}
}
