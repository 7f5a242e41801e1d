package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/datawell/conduit/internal/pipeline"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto HTTP statuses. Anything unmapped is
// an internal error and logged; domain failures are the caller's problem
// and only logged at debug.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		validation *pipeline.ValidationError
		notFound   *pipeline.NotFoundError
		conflict   *pipeline.ConflictError
		duplicate  *pipeline.DuplicateKeyError
		state      *pipeline.InvalidStateError
		regression *pipeline.RegressionError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &duplicate),
		errors.As(err, &state), errors.As(err, &regression):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
