package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/models"
	"github.com/datawell/conduit/internal/pipeline"
	"github.com/datawell/conduit/internal/repository"
)

type ConnectionHandler struct {
	repo   repository.ConnectionRepository
	logger zerolog.Logger
}

func NewConnectionHandler(repo repository.ConnectionRepository, logger zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		repo:   repo,
		logger: logger.With().Str("handler", "connection").Logger(),
	}
}

func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name       string          `json:"name"`
		SourceKind string          `json:"source_kind"`
		AuthData   json.RawMessage `json:"auth_data"`
		Metadata   json.RawMessage `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Name) == "" || strings.TrimSpace(payload.SourceKind) == "" {
		writeError(w, h.logger, pipeline.Validationf("name and source_kind are required"))
		return
	}
	conn, err := h.repo.Create(r.Context(), models.Connection{
		Name:       payload.Name,
		SourceKind: payload.SourceKind,
		AuthData:   payload.AuthData,
		Status:     models.ConnectionStatusActive,
		Metadata:   payload.Metadata,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	connections, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": connections})
}

func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	conn, err := h.repo.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionHandler) UpsertStream(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		StreamName string          `json:"stream_name"`
		Enabled    *bool           `json:"enabled"`
		Schedule   string          `json:"schedule"`
		Config     json.RawMessage `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.StreamName) == "" {
		writeError(w, h.logger, pipeline.Validationf("stream_name is required"))
		return
	}
	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	stream, err := h.repo.UpsertStream(r.Context(), models.StreamConnection{
		ConnectionID: mux.Vars(r)["id"],
		StreamName:   payload.StreamName,
		Enabled:      enabled,
		Schedule:     payload.Schedule,
		Config:       payload.Config,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

func (h *ConnectionHandler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.repo.ListStreams(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": streams})
}
