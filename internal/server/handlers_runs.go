package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/maintask/internal/model"
)

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewRunView(run))
}

// HandlePauseRun handles POST /v1/runs/{run_id}/pause.
func (h *Handlers) HandlePauseRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "failed to pause run", h.controls.Pause)
}

// HandleResumeRun handles POST /v1/runs/{run_id}/resume.
func (h *Handlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "failed to resume run", h.runner.Resume)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "failed to cancel run", h.controls.Cancel)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, msg string, action func(context.Context, uuid.UUID) (model.Run, error)) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := action(r.Context(), runID)
	if err != nil {
		h.writeServiceError(w, r, err, msg)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ControlResponse{RunID: run.ID, Status: run.Status})
}
