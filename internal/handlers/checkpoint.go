package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/checkpoint"
)

type CheckpointHandler struct {
	manager *checkpoint.Manager
	logger  zerolog.Logger
}

func NewCheckpointHandler(manager *checkpoint.Manager, logger zerolog.Logger) *CheckpointHandler {
	return &CheckpointHandler{
		manager: manager,
		logger:  logger.With().Str("handler", "checkpoint").Logger(),
	}
}

func (h *CheckpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cp, err := h.manager.Get(r.Context(), vars["id"], vars["stream"], vars["transform"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoint": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"checkpoint": cp})
}

// Reset deletes the checkpoint so the transform replays the stream from
// the beginning. Deliberate operator action; there is no partial rewind.
func (h *CheckpointHandler) Reset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.manager.ResetForBackfill(r.Context(), vars["id"], vars["stream"], vars["transform"]); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
