package provider

import (
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/anvil/internal/model"
)

// DefaultBatchSize is how many tasks Server hands out per fetch.
const DefaultBatchSize = 8

// Server is an in-memory work provider. It serves the same routes the HTTP
// client calls and is used for local runs and tests.
type Server struct {
	logger    *slog.Logger
	batchSize int

	mu         sync.Mutex
	pending    []*model.Task
	blobs      map[string][]byte
	results    map[string]model.Result
	blobFaults map[string]int
	sendFaults int
	fetches    int
	batches    []int
	blobHits   map[string]int
}

// NewServer creates an empty provider.
func NewServer(logger *slog.Logger) *Server {
	return &Server{
		logger:     logger.With("component", "testprovider"),
		batchSize:  DefaultBatchSize,
		blobs:      make(map[string][]byte),
		results:    make(map[string]model.Result),
		blobFaults: make(map[string]int),
		blobHits:   make(map[string]int),
	}
}

// SetBatchSize sets the maximum tasks per fetch.
func (s *Server) SetBatchSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.batchSize = n
	}
}

// AddBlob stores data under a fresh id.
func (s *Server) AddBlob(data []byte) model.BlobRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := model.NewID()
	s.blobs[id] = append([]byte{}, data...)
	return model.BlobRef{ID: id, Size: int64(len(data))}
}

// AddTask queues a task and returns its id.
func (s *Server) AddTask(project string, program model.BlobRef, control []byte, inputs ...model.BlobRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &model.Task{
		ID:      model.NewID(),
		Project: project,
		Program: program,
		Control: control,
		Inputs:  append([]model.BlobRef{}, inputs...),
		Status:  model.StatusPending,
	}
	s.pending = append(s.pending, t)
	return t.ID
}

// FailBlob makes the next n downloads of id fail with 503.
func (s *Server) FailBlob(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobFaults[id] = n
}

// FailSends makes the next n result submissions fail with 503.
func (s *Server) FailSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFaults = n
}

// Results returns the results received so far, by task id.
func (s *Server) Results() map[string]model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.Result, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Pending returns how many tasks have not been handed out.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Fetches returns how many task fetches have been served.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Batches returns the size of each accepted result submission, in order.
func (s *Server) Batches() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

// BlobHits returns how many download attempts id has received.
func (s *Server) BlobHits(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobHits[id]
}

// Handler returns the provider routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post(PathFetchTasks, s.handleFetch)
	r.Get(PathBlobs+"{id}", s.handleBlob)
	r.Post(PathResults, s.handleResults)
	return r
}

func writeCBOR(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	body, err := model.EncodeErrorResponse(msg)
	if err != nil {
		s.logger.Error("encode error response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeCBOR(w, status, body)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := min(s.batchSize, len(s.pending))
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	s.fetches++
	s.mu.Unlock()

	body, err := model.EncodeTasksResponse(batch)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("handed out tasks", "count", n, "request_id", middleware.GetReqID(r.Context()))
	writeCBOR(w, http.StatusOK, body)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	s.blobHits[id]++
	fault := s.blobFaults[id] > 0
	if fault {
		s.blobFaults[id]--
	}
	data, ok := s.blobs[id]
	s.mu.Unlock()

	if fault {
		s.writeError(w, http.StatusServiceUnavailable, "blob temporarily unavailable")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "blob not found: "+id)
		return
	}
	body, err := model.EncodeBlobResponse(data)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeCBOR(w, http.StatusOK, body)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fault := s.sendFaults > 0
	if fault {
		s.sendFaults--
	}
	s.mu.Unlock()
	if fault {
		s.writeError(w, http.StatusServiceUnavailable, "results temporarily unavailable")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	results, err := model.DecodeResults(payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	for _, res := range results {
		s.results[res.TaskID] = res
	}
	s.batches = append(s.batches, len(results))
	s.mu.Unlock()

	s.logger.Info("received results", "count", len(results))
	body, err := model.EncodeEnvelope(true, "", 0, nil)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeCBOR(w, http.StatusOK, body)
}
