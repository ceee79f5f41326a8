package api

import (
	"net/http"

	"github.com/seantiz/anvil/internal/runner"
)

type healthResponse struct {
	Status string `json:"status"`
	Runner string `json:"runner"`
}

// handleHealthz reports ok while the runner accepts work and 503 once it
// is stopping.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.agent.Status().State
	code, status := http.StatusOK, "ok"
	if state == runner.StateStopping || state == runner.StateStopped {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	s.writeJSON(w, code, healthResponse{Status: status, Runner: state})
}
