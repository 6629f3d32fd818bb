package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/appointment-scheduler/internal/internaltypes"
	"github.com/example/appointment-scheduler/internal/jobs"
	"github.com/example/appointment-scheduler/internal/query"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, internaltypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, internaltypes.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, query.ErrRunInProgress), errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	msg := err.Error()
	switch code {
	case http.StatusInternalServerError:
		s.Logger.Error().Err(err).Msg("request failed")
		msg = "internal error"
	case http.StatusUnauthorized:
		msg = "unauthorized"
	case http.StatusNotFound:
		msg = "not found"
	}
	writeError(w, code, msg)
}
