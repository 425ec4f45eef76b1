// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the coordination service.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relieforg/crisis-coordination/internal/apperror"
	"github.com/relieforg/crisis-coordination/internal/clock"
	"github.com/relieforg/crisis-coordination/internal/model"
	"github.com/relieforg/crisis-coordination/internal/service"
)

// EventHandler holds all HTTP handlers for the coordination API.
type EventHandler struct {
	svc *service.Coordination
	clk *clock.Manual
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.Coordination, clk *clock.Manual) *EventHandler {
	return &EventHandler{svc: svc, clk: clk}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code apperror.Code, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: string(code)})
}

// writeEngineError maps an engine error to its HTTP response. Unclassified
// errors become opaque 500s.
func writeEngineError(w http.ResponseWriter, err error) {
	code := apperror.CodeOf(err)
	if code == apperror.CodeUnknown {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "internal error")
		return
	}
	writeError(w, code.HTTPStatus(), code, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// eventID parses the {id} route parameter. Non-numeric ids are reported the
// same way as unknown ones.
func eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, apperror.CodeInvalidEvent, "event not found")
		return 0, false
	}
	return id, true
}

// ─── Event handlers ───────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var in model.CreateEventInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidParams, "invalid request body: "+err.Error())
		return
	}

	id, err := h.svc.CreateEvent(r.Context(), Caller(r), in)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]int64{"event_id": id})
}

// ListEvents handles GET /events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to list events")
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// TotalEvents handles GET /events/total
func (h *EventHandler) TotalEvents(w http.ResponseWriter, r *http.Request) {
	total, err := h.svc.TotalEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to count events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"total_events": total})
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	ev, err := h.svc.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to get event")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, apperror.CodeInvalidEvent, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// UpdateEvent handles PATCH /events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	var patch model.EventPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidParams, "invalid request body: "+err.Error())
		return
	}

	if err := h.svc.UpdateEvent(r.Context(), Caller(r), id, patch); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CloseOrCancel handles POST /events/{id}/status
func (h *EventHandler) CloseOrCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status model.Status `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidStatus, "invalid request body: "+err.Error())
		return
	}

	if err := h.svc.CloseOrCancel(r.Context(), Caller(r), id, req.Status); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Activate handles POST /events/{id}/activate
func (h *EventHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Activate(r.Context(), Caller(r), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ─── Enrollment handlers ──────────────────────────────────────────────────────

// Join handles POST /events/{id}/join
func (h *EventHandler) Join(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	var in model.JoinInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidParams, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.svc.Join(r.Context(), Caller(r), id, in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Leave handles POST /events/{id}/leave
func (h *EventHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Leave(r.Context(), Caller(r), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListEnrollments handles GET /events/{id}/enrollments
func (h *EventHandler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	ev, err := h.svc.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to get event")
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, apperror.CodeInvalidEvent, "event not found")
		return
	}

	recs, err := h.svc.ListEnrollments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to list enrollments")
		return
	}
	if recs == nil {
		recs = []model.EnrollmentRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetEnrollment handles GET /events/{id}/enrollments/{participant}
func (h *EventHandler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	rec, err := h.svc.GetEnrollment(r.Context(), id, chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to get enrollment")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, apperror.CodeNotFound, "enrollment not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// IsJoined handles GET /events/{id}/enrollments/{participant}/joined
func (h *EventHandler) IsJoined(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}

	joined, err := h.svc.IsJoined(r.Context(), id, chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, apperror.CodeUnknown, "failed to check enrollment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"joined": joined})
}

// ─── Clock handlers ───────────────────────────────────────────────────────────

// GetClock handles GET /clock
func (h *EventHandler) GetClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"clock": h.clk.Now()})
}

// AdvanceClock handles POST /clock/advance. The environment, not the engine,
// drives the logical clock forward; it can never move backwards.
func (h *EventHandler) AdvanceClock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int64 `json:"delta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidParams, "invalid request body: "+err.Error())
		return
	}

	value, err := h.clk.Advance(req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperror.CodeInvalidParams, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"clock": value})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
