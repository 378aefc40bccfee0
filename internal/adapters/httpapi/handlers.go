package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jobrunner/cribrum/internal/domain"
)

// filterRequestBody is the JSON body of a filter submission.
type filterRequestBody struct {
	SessionID           string          `json:"session_id"`
	TargetLayer         string          `json:"target_layer"`
	ReferenceLayer      string          `json:"reference_layer,omitempty"`
	ReferenceFeatureIDs []int64         `json:"reference_feature_ids,omitempty"`
	Predicate           string          `json:"predicate,omitempty"`
	Buffer              *bufferSpecBody `json:"buffer,omitempty"`
	Distance            float64         `json:"distance,omitempty"`
	Expression          string          `json:"expression,omitempty"`
	ForcedBackend       string          `json:"forced_backend,omitempty"`
	SyncReference       bool            `json:"sync_reference,omitempty"`
}

type bufferSpecBody struct {
	Distance float64 `json:"distance"`
	Unit     string  `json:"unit,omitempty"`
}

func (b *filterRequestBody) toDomain() domain.FilterRequest {
	req := domain.FilterRequest{
		SessionID:           b.SessionID,
		TargetLayer:         b.TargetLayer,
		ReferenceLayer:      b.ReferenceLayer,
		ReferenceFeatureIDs: b.ReferenceFeatureIDs,
		Predicate:           domain.Predicate(b.Predicate),
		Distance:            b.Distance,
		Expression:          b.Expression,
		ForcedBackend:       domain.BackendKind(b.ForcedBackend),
		SyncReference:       b.SyncReference,
	}
	if b.Buffer != nil {
		unit := domain.DistanceUnit(b.Buffer.Unit)
		if unit == "" {
			unit = domain.UnitLayer
		}
		req.Buffer = &domain.BufferSpec{Distance: b.Buffer.Distance, Unit: unit}
	}
	return req
}

// handleSubmitFilter enqueues a filter task and returns its ID.
func (s *Server) handleSubmitFilter(w http.ResponseWriter, r *http.Request) {
	var body filterRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	handle, err := s.engine.SubmitFilter(r.Context(), body.toDomain())
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": handle.ID,
	})
}

// batchRequestBody is the JSON body of a multi-target filter submission.
type batchRequestBody struct {
	SessionID           string          `json:"session_id"`
	TargetLayers        []string        `json:"target_layers"`
	ReferenceLayer      string          `json:"reference_layer,omitempty"`
	ReferenceFeatureIDs []int64         `json:"reference_feature_ids,omitempty"`
	Predicate           string          `json:"predicate,omitempty"`
	Buffer              *bufferSpecBody `json:"buffer,omitempty"`
	Distance            float64         `json:"distance,omitempty"`
	Expression          string          `json:"expression,omitempty"`
	ForcedBackend       string          `json:"forced_backend,omitempty"`
}

func (b *batchRequestBody) toDomain() domain.BatchRequest {
	req := domain.BatchRequest{
		SessionID:           b.SessionID,
		TargetLayers:        b.TargetLayers,
		ReferenceLayer:      b.ReferenceLayer,
		ReferenceFeatureIDs: b.ReferenceFeatureIDs,
		Predicate:           domain.Predicate(b.Predicate),
		Distance:            b.Distance,
		Expression:          b.Expression,
		ForcedBackend:       domain.BackendKind(b.ForcedBackend),
	}
	if b.Buffer != nil {
		unit := domain.DistanceUnit(b.Buffer.Unit)
		if unit == "" {
			unit = domain.UnitLayer
		}
		req.Buffer = &domain.BufferSpec{Distance: b.Buffer.Distance, Unit: unit}
	}
	return req
}

// handleSubmitBatch enqueues one filter task per target layer and returns
// their IDs.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	handles, err := s.engine.SubmitBatch(r.Context(), body.toDomain())
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.ID
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_ids": ids,
	})
}

// handleTaskStatus returns a snapshot of a task.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	status, err := s.engine.TaskStatus(taskID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatTaskStatus(status))
}

// handleCancelTask requests cooperative cancellation.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]

	if err := s.engine.Cancel(taskID); err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "cancelling",
	})
}

// handleUndo reverses the session's most recent operation.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	report, err := s.engine.Undo(r.Context(), sessionID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatRestoreReport(report))
}

// handleRedo re-applies the most recently undone operation.
func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	report, err := s.engine.Redo(r.Context(), sessionID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatRestoreReport(report))
}

// handleListLayers returns all registered layers.
func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := s.catalog.ListLayers(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list layers")
		return
	}

	response := make([]map[string]interface{}, len(layers))
	for i := range layers {
		response[i] = s.formatLayer(&layers[i])
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layers": response,
		"count":  len(layers),
	})
}

// handleGetLayer returns a specific layer.
func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	layerID := mux.Vars(r)["layerId"]

	layer, err := s.catalog.GetLayer(r.Context(), layerID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.formatLayer(layer))
}

// handleLayerState returns the subset currently applied to a layer.
func (s *Server) handleLayerState(w http.ResponseWriter, r *http.Request) {
	layerID := mux.Vars(r)["layerId"]

	state, err := s.catalog.GetLayerState(r.Context(), layerID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layer_id":    layerID,
		"filtered":    state.IsFiltered(),
		"feature_ids": state.FeatureIDs,
		"expression":  state.Expression,
		"applied_at":  state.AppliedAt,
	})
}

// handleBackendInfo reports which backend would serve a layer.
func (s *Server) handleBackendInfo(w http.ResponseWriter, r *http.Request) {
	layerID := mux.Vars(r)["layerId"]

	info, err := s.engine.BackendInfo(r.Context(), layerID)
	if err != nil {
		s.handleEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"layer_id": layerID,
		"backend":  info.Kind,
		"forced":   info.Forced,
		"capabilities": map[string]interface{}{
			"predicates":         info.Capabilities.Predicates,
			"server_side_buffer": info.Capabilities.ServerSideBuffer,
			"persistent_index":   info.Capabilities.PersistentIndex,
			"tier":               info.Capabilities.Tier,
			"storage_kinds":      info.Capabilities.StorageKinds,
		},
	})
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":         boolToStatus(details.Healthy),
		"ready":          details.Ready,
		"layers_loaded":  details.LayersLoaded,
		"layers_ready":   details.LayersReady,
		"backends_ready": details.BackendsReady,
		"components":     details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// formatTaskStatus formats a task snapshot for JSON output.
func (s *Server) formatTaskStatus(status domain.TaskStatus) map[string]interface{} {
	out := map[string]interface{}{
		"task_id":      status.ID,
		"state":        status.State,
		"target_layer": status.TargetLayer,
		"submitted_at": status.SubmittedAt,
	}
	if status.Backend != "" {
		out["backend"] = status.Backend
	}
	if len(status.Progress) > 0 {
		progress := make([]map[string]interface{}, len(status.Progress))
		for i, p := range status.Progress {
			progress[i] = map[string]interface{}{"milestone": p.Milestone, "at": p.At}
		}
		out["progress"] = progress
	}
	if status.Result != nil {
		result := map[string]interface{}{
			"feature_ids":        status.Result.FeatureIDs,
			"match_count":        status.Result.MatchCount(),
			"backend":            status.Result.Backend,
			"elapsed_ms":         status.Result.Elapsed.Milliseconds(),
			"reference_affected": status.Result.ReferenceAffected,
		}
		if status.Result.Warning != nil {
			result["warning"] = status.Result.Warning.String()
		}
		out["result"] = result
	}
	if status.Err != nil {
		out["error"] = status.Err.Error()
	}
	return out
}

// formatRestoreReport formats a restore report for JSON output.
func (s *Server) formatRestoreReport(report domain.RestoreReport) map[string]interface{} {
	return map[string]interface{}{
		"operation_id":    report.OperationID,
		"session_id":      report.SessionID,
		"scope":           report.Scope,
		"restored_layers": report.RestoredLayers,
		"reapplied":       report.Reapplied,
		"timestamp":       report.Timestamp,
	}
}

// formatLayer formats a layer descriptor for JSON output.
func (s *Server) formatLayer(layer *domain.LayerDescriptor) map[string]interface{} {
	return map[string]interface{}{
		"id":            layer.ID,
		"name":          layer.Name,
		"storage_kind":  layer.StorageKind,
		"geometry_type": layer.GeometryType,
		"srid":          layer.SRID,
		"feature_count": layer.FeatureCount,
		"dataset":       layer.Dataset,
	}
}

// handleEngineError maps engine errors to HTTP status codes.
func (s *Server) handleEngineError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrTaskNotCancellable),
		errors.Is(err, domain.ErrSessionAborted),
		errors.Is(err, domain.ErrHistoryExhausted):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrUnsupported):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("engine error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "operation failed")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}
