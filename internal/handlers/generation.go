// Package handlers contains the HTTP surface of the dispatch API. Handlers
// validate and translate; all business logic lives in the services package.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/story-loom/pipeline/internal/models"
	"github.com/story-loom/pipeline/internal/services"
)

// dispatchService is the service surface the handlers need.
type dispatchService interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) (*models.DispatchResponse, error)
	JobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobStatusResponse, error)
}

// healthChecker reports whether the backing store is reachable.
type healthChecker interface {
	Health(ctx context.Context) error
}

// Handler contains all HTTP handlers.
type Handler struct {
	dispatch dispatchService
	health   healthChecker
}

// NewHandler creates a new handler.
func NewHandler(dispatch dispatchService, health healthChecker) *Handler {
	return &Handler{dispatch: dispatch, health: health}
}

// DispatchStoryScript handles POST /generation/story-script.
func (h *Handler) DispatchStoryScript(w http.ResponseWriter, r *http.Request) {
	var req models.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.dispatch.Dispatch(r.Context(), &req)
	if err != nil {
		if errors.Is(err, services.ErrMissingTheme) {
			writeJSONError(w, http.StatusBadRequest, "missing theme")
			return
		}
		log.Error().Err(err).Str("theme", req.Theme).Msg("Dispatch failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /generation/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	resp, err := h.dispatch.JobStatus(r.Context(), jobID)
	if err != nil {
		log.Debug().Err(err).Str("job_id", jobID.String()).Msg("Job lookup failed")
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			writeJSONError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
