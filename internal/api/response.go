package api

import (
	"encoding/json"
	"net/http"

	"github.com/riffle-ai/riffle/internal/log"
)

// errorBody is the JSON error envelope for non-streaming failures.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError sends a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: message}); err != nil {
		logger.Warn("writing error response", "error", err)
	}
}

// writeJSON sends a JSON success response.
func writeJSON(w http.ResponseWriter, status int, payload any, logger log.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("writing response", "error", err)
	}
}
