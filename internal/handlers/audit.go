package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/repository"
)

type AuditHandler struct {
	repo   repository.AuditRepository
	logger zerolog.Logger
}

func NewAuditHandler(repo repository.AuditRepository, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		repo:   repo,
		logger: logger.With().Str("handler", "audit").Logger(),
	}
}

// List returns sync audit rows, newest first. connection_id and
// stream_name query params narrow the result; empty means all.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := h.repo.List(r.Context(),
		q.Get("connection_id"), q.Get("stream_name"),
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": records})
}
