package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/runner"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
	maxBodySize      = 64 << 10
)

// statusResponse is the JSON response for GET /v1/status.
type statusResponse struct {
	Runner runner.Status `json:"runner"`
	Pool   *pool.Stats   `json:"pool,omitempty"`
	Blobs  *blob.Stats   `json:"blobs,omitempty"`
}

// listTasksResponse wraps the paginated task list.
type listTasksResponse struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Runner: s.agent.Status()}
	if s.poolStats != nil {
		ps := s.poolStats()
		resp.Pool = &ps
	}
	if s.blobStats != nil {
		bs := s.blobStats()
		resp.Blobs = &bs
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	status := r.URL.Query().Get("status")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks := s.agent.Inspect()
	if status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.Status == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	total := len(tasks)
	page := []model.Task{}
	if offset < total {
		page = tasks[offset:min(offset+limit, total)]
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  page,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetTunables(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agent.Tunables())
}

// handleSetTunables applies a partial update: absent fields keep their
// current values.
func (s *Server) handleSetTunables(w http.ResponseWriter, r *http.Request) {
	t := s.agent.Tunables()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if t.TasksPendingMin < 1 || t.TasksFinishedMax < 1 || t.SendMaxBytes < 1 || t.SaveTimeout < 0 || t.EmptyRetryDelay <= 0 {
		s.writeError(w, http.StatusBadRequest, "tunables out of range")
		return
	}

	s.agent.SetTunables(t)
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if s.stop == nil {
		s.writeError(w, http.StatusNotImplemented, "stop not available")
		return
	}
	s.logger.Info("stop requested")
	s.stop()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"state": runner.StateStopping})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
