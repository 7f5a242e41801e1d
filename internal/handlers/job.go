package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/jobs"
	"github.com/datawell/conduit/internal/models"
)

type JobHandler struct {
	manager *jobs.Manager
	logger  zerolog.Logger
}

func NewJobHandler(manager *jobs.Manager, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "job").Logger(),
	}
}

// TriggerSync enqueues a manual sync for the stream. A 409 means a sync
// for the stream is already pending or running.
func (h *JobHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode models.SyncMode `json:"mode"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request payload", http.StatusBadRequest)
			return
		}
	}
	vars := mux.Vars(r)
	job, err := h.manager.EnqueueSync(r.Context(), vars["id"], vars["stream"], payload.Mode)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	jobList, err := h.manager.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobList})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel cancels the job and every descendant still in a non-terminal
// state, reporting how many were cancelled.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := h.manager.CancelChain(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": cancelled})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
