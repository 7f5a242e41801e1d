package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/repository"
)

type ArchiveHandler struct {
	repo   repository.ArchiveRepository
	logger zerolog.Logger
}

func NewArchiveHandler(repo repository.ArchiveRepository, logger zerolog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		repo:   repo,
		logger: logger.With().Str("handler", "archive").Logger(),
	}
}

// ListExhausted returns archive jobs that burned their retry budget and
// need operator attention.
func (h *ArchiveHandler) ListExhausted(w http.ResponseWriter, r *http.Request) {
	exhausted, err := h.repo.ListExhausted(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"archive_jobs": exhausted})
}
