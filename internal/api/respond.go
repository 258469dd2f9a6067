package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"mailqueue/internal/models"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// fail maps domain errors to HTTP statuses. Unknown errors are logged and
// reported as 500 without their details.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var stateErr *models.InvalidStateError
	switch {
	case errors.Is(err, models.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrListNotFound),
		errors.Is(err, models.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
