package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soilwatch/erosionflow/internal/domain"
	"github.com/soilwatch/erosionflow/internal/geometry"
	"github.com/soilwatch/erosionflow/internal/lifecycle"
	"github.com/soilwatch/erosionflow/internal/postgres"
	"github.com/soilwatch/erosionflow/internal/rediscache"
	"github.com/soilwatch/erosionflow/pkg/telemetry"
)

// REST handles HTTP requests for the erosion API.
type REST struct {
	manager *lifecycle.Manager
	repo    postgres.RecordRepository
	cache   rediscache.ResultCache
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(manager *lifecycle.Manager, repo postgres.RecordRepository, cache rediscache.ResultCache, logger *slog.Logger) *REST {
	return &REST{manager: manager, repo: repo, cache: cache, logger: logger}
}

// LayerRequest is the JSON body shared by the availability and compute
// endpoints. Custom areas carry either the drawn geometry or, once it
// has been submitted, just its content hash.
type LayerRequest struct {
	AreaType     string          `json:"area_type"`
	AreaID       int64           `json:"area_id,omitempty"`
	GeometryHash string          `json:"geometry_hash,omitempty"`
	Geometry     json.RawMessage `json:"geometry,omitempty"`
	StartYear    int             `json:"start_year"`
	EndYear      int             `json:"end_year"`
	Period       string          `json:"period"`
}

// LayerStatusResponse is the availability answer consumed by the client
// poll loop. A completed record reads as "available"; a key with no
// record reads as "absent".
type LayerStatusResponse struct {
	Status     string          `json:"status"`
	TaskID     string          `json:"task_id,omitempty"`
	TilesURL   string          `json:"tiles_url,omitempty"`
	Statistics json.RawMessage `json:"statistics,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CallbackRequest is the engine push notification body.
type CallbackRequest struct {
	TaskID       string          `json:"task_id"`
	AreaType     string          `json:"area_type"`
	AreaID       int64           `json:"area_id,omitempty"`
	GeometryHash string          `json:"geometry_hash,omitempty"`
	StartYear    int             `json:"start_year"`
	EndYear      int             `json:"end_year"`
	Period       string          `json:"period"`
	Event        string          `json:"event"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// recordKey validates the callback's key fields and converts them.
// HandleEngineEvent upserts a record from this key when a completed
// event arrives for an unknown task, so a malformed key must be
// rejected here rather than persisted.
func (b *CallbackRequest) recordKey() (domain.RecordKey, error) {
	areaType := domain.AreaType(strings.TrimSpace(b.AreaType))
	if !areaType.Valid() {
		return domain.RecordKey{}, fmt.Errorf("field 'area_type' must be region, district or custom")
	}
	if b.StartYear == 0 {
		return domain.RecordKey{}, fmt.Errorf("field 'start_year' is required")
	}
	if b.EndYear < b.StartYear {
		return domain.RecordKey{}, fmt.Errorf("field 'end_year' must not precede start_year")
	}
	if strings.TrimSpace(b.Period) == "" {
		return domain.RecordKey{}, fmt.Errorf("field 'period' is required")
	}
	if areaType == domain.AreaCustom {
		if b.GeometryHash == "" {
			return domain.RecordKey{}, fmt.Errorf("field 'geometry_hash' is required for custom areas")
		}
	} else if b.AreaID <= 0 {
		return domain.RecordKey{}, fmt.Errorf("field 'area_id' is required for %s areas", areaType)
	}
	return domain.RecordKey{
		Area:      domain.AreaRef{Type: areaType, ID: b.AreaID, Hash: b.GeometryHash},
		StartYear: b.StartYear,
		EndYear:   b.EndYear,
		Period:    b.Period,
	}, nil
}

// engineResult is the subset of the engine's result payload surfaced to
// clients.
type engineResult struct {
	TilesURL   string          `json:"tiles_url"`
	Statistics json.RawMessage `json:"statistics"`
}

// toLifecycle validates the request body and converts it. requireGeometry
// distinguishes compute (which must be able to submit a custom drawing)
// from availability (where the hash alone identifies the layer).
func (b *LayerRequest) toLifecycle(requireGeometry bool) (*lifecycle.Request, error) {
	areaType := domain.AreaType(strings.TrimSpace(b.AreaType))
	if !areaType.Valid() {
		return nil, fmt.Errorf("field 'area_type' must be region, district or custom")
	}
	if b.StartYear == 0 {
		return nil, fmt.Errorf("field 'start_year' is required")
	}
	if b.EndYear < b.StartYear {
		return nil, fmt.Errorf("field 'end_year' must not precede start_year")
	}
	if strings.TrimSpace(b.Period) == "" {
		return nil, fmt.Errorf("field 'period' is required")
	}

	req := &lifecycle.Request{
		Area:      domain.AreaRef{Type: areaType, ID: b.AreaID, Hash: b.GeometryHash},
		StartYear: b.StartYear,
		EndYear:   b.EndYear,
		Period:    b.Period,
	}

	if areaType == domain.AreaCustom {
		if len(b.Geometry) == 0 {
			if requireGeometry || b.GeometryHash == "" {
				return nil, fmt.Errorf("field 'geometry' is required for custom areas")
			}
			return req, nil
		}
		var g geometry.Geometry
		if err := json.Unmarshal(b.Geometry, &g); err != nil {
			return nil, fmt.Errorf("invalid geometry: %w", err)
		}
		req.Geometry = &g
		return req, nil
	}

	if b.AreaID <= 0 {
		return nil, fmt.Errorf("field 'area_id' is required for %s areas", areaType)
	}
	return req, nil
}

// statusView maps a persisted record onto the client-facing layer status.
func statusView(rec *domain.ComputationRecord) LayerStatusResponse {
	resp := LayerStatusResponse{
		Status: string(rec.Status),
		TaskID: rec.ExternalTaskID,
	}
	switch rec.Status {
	case domain.StatusCompleted:
		resp.Status = "available"
		if len(rec.Result) > 0 {
			var res engineResult
			if err := json.Unmarshal(rec.Result, &res); err == nil {
				resp.TilesURL = res.TilesURL
				resp.Statistics = res.Statistics
			}
		}
	case domain.StatusFailed:
		resp.Error = rec.ErrorMessage
	}
	return resp
}

// CheckAvailability handles POST /api/v1/erosion/availability.
// Read-only: it never triggers a computation.
func (h *REST) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	var body LayerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.toLifecycle(false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.repo.GetByKey(r.Context(), req.Key())
	if err != nil {
		var notFound *domain.RecordNotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusOK, LayerStatusResponse{Status: string(domain.StatusAbsent)})
			return
		}
		h.logger.Error("availability lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to check availability")
		return
	}

	writeJSON(w, http.StatusOK, statusView(rec))
}

// RequestComputation handles POST /api/v1/erosion/compute.
func (h *REST) RequestComputation(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.request_computation")
	defer span.End()

	var body LayerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := body.toLifecycle(true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("area", req.Area.String()),
		attribute.String("period", req.Period),
	)

	rec, err := h.manager.RequestComputation(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "computation request failed")
		telemetry.APIComputationsRequested.WithLabelValues(body.AreaType, "error").Inc()
		h.writeComputeError(w, err)
		return
	}

	telemetry.APIComputationsRequested.WithLabelValues(body.AreaType, string(rec.Status)).Inc()
	code := http.StatusAccepted
	if rec.Status == domain.StatusCompleted {
		code = http.StatusOK
	}
	writeJSON(w, code, statusView(rec))
}

// writeComputeError maps lifecycle errors onto distinct HTTP statuses.
// Geometry and gateway failures are answered with {status: error} and
// never mutate the persisted record.
func (h *REST) writeComputeError(w http.ResponseWriter, err error) {
	var (
		areaNotFound *domain.AreaNotFoundError
		invalidGeom  *domain.InvalidGeometryError
		limited      *domain.SubmitLimitedError
	)
	switch {
	case errors.As(err, &areaNotFound):
		writeJSON(w, http.StatusNotFound, LayerStatusResponse{Status: "error", Error: "Area not found"})
	case errors.As(err, &invalidGeom):
		writeJSON(w, http.StatusUnprocessableEntity, LayerStatusResponse{Status: "error", Error: err.Error()})
	case errors.As(err, &limited):
		writeJSON(w, http.StatusTooManyRequests, LayerStatusResponse{Status: "error", Error: err.Error()})
	default:
		h.logger.Error("computation request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, LayerStatusResponse{Status: "error", Error: "computation could not be started"})
	}
}

// EngineCallback handles POST /api/v1/erosion/callback.
func (h *REST) EngineCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.engine_callback")
	defer span.End()

	var body CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.TaskID) == "" {
		writeError(w, http.StatusBadRequest, "field 'task_id' is required")
		return
	}
	kind := domain.EventKind(body.Event)
	if kind != domain.EventStarted && kind != domain.EventCompleted && kind != domain.EventFailed {
		writeError(w, http.StatusBadRequest, "field 'event' must be started, completed or failed")
		return
	}
	key, err := body.recordKey()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := &domain.EngineEvent{
		TaskID: body.TaskID,
		Key:    key,
		Kind:   kind,
		Result: body.Result,
		Error:  body.Error,
	}

	span.SetAttributes(
		attribute.String("task.id", body.TaskID),
		attribute.String("event", body.Event),
	)

	rec, err := h.manager.HandleEngineEvent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine event rejected")
		h.logger.Error("engine callback failed",
			slog.String("task_id", body.TaskID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to apply engine event")
		return
	}
	if rec == nil {
		// Unknown task for a non-completed event: acknowledged, nothing recorded.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"task_id": rec.ExternalTaskID,
		"state":   string(rec.Status),
	})
}

// ClearCache handles POST /api/v1/admin/cache/clear. Purges every cached
// result; ?records=true additionally deletes the persisted records so
// the next request recomputes from scratch.
func (h *REST) ClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.cache.ClearAll(ctx)
	if err != nil {
		h.logger.Error("cache clear failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}

	var records int64
	if r.URL.Query().Get("records") == "true" {
		records, err = h.repo.DeleteAll(ctx)
		if err != nil {
			h.logger.Error("record purge failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cache cleared but record purge failed")
			return
		}
	}

	telemetry.APICacheCleared.Inc()
	h.logger.Info("cache cleared",
		slog.Int64("entries", entries),
		slog.Int64("records", records))

	writeJSON(w, http.StatusOK, map[string]int64{
		"cleared_entries": entries,
		"deleted_records": records,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. A cache miss on the probe key still means
// Redis answered, so it counts as ready.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	probe := domain.RecordKey{Area: domain.AreaRef{Type: domain.AreaRegion, ID: -1}}
	if _, err := h.cache.Get(ctx, probe); err != nil && !errors.Is(err, rediscache.ErrMiss) {
		writeError(w, http.StatusServiceUnavailable, "redis not ready")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
