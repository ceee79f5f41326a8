package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/runner"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Agent is the part of the runner the control surface drives.
type Agent interface {
	Status() runner.Status
	Inspect() []model.Task
	Feed() *runner.Feed
	Tunables() runner.Tunables
	SetTunables(runner.Tunables)
}

// Server is the local control surface of the agent.
type Server struct {
	router    *chi.Mux
	agent     Agent
	poolStats func() pool.Stats
	blobStats func() blob.Stats
	stop      func()
	logger    *slog.Logger
	addr      string
}

// Option configures a Server.
type Option func(*Server)

// WithPoolStats reports worker pool occupancy in status responses.
func WithPoolStats(f func() pool.Stats) Option {
	return func(s *Server) { s.poolStats = f }
}

// WithBlobStats reports blob cache accounting in status responses.
func WithBlobStats(f func() blob.Stats) Option {
	return func(s *Server) { s.blobStats = f }
}

// WithStop sets what POST /v1/runner/stop triggers. It must not block.
func WithStop(f func()) Option {
	return func(s *Server) { s.stop = f }
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, agent Agent, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		agent:  agent,
		logger: logger.With("component", "api"),
		addr:   addr,
	}
	for _, o := range opts {
		o(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

const routeStatusStream = "/v1/status/stream"

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get(routeStatusStream, s.handleStatusStream)
	s.router.Get("/v1/tasks", s.handleListTasks)

	s.router.Route("/v1/runner", func(r chi.Router) {
		r.Get("/tunables", s.handleGetTunables)
		r.Put("/tunables", s.handleSetTunables)
		r.Post("/stop", s.handleStop)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
