// Package server exposes the HTTP surface: the job API, the WebSocket
// event stream, and the authenticated worker endpoints.
package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes: not-found 404,
// invalid request 400, unauthorized 401, anything else 500.
func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		status = http.StatusUnauthorized
	}

	if status == http.StatusInternalServerError {
		logger.Errorw("Request failed", "error", err)
	}

	resp := errorResponse{Error: err.Error()}
	if details := errors.GetAllDetails(err); len(details) > 0 {
		resp.Details = details
	}
	writeJSON(w, status, resp)
}

func readJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewInvalidRequestError("invalid request body: %v", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}
