// Package api serves the read-only HTTP status surface of the orchestrator:
// run history, evaluation records (also streamed live over SSE), workers,
// worker logs, backends and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/orchestrator"
	"github.com/seantiz/hogwild/internal/store"
)

const (
	streamPath  = "/{id}/evals/stream"
	streamRoute = "/v1/runs" + streamPath

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	registry *backend.Registry
	broker   *orchestrator.EvalBroker
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server. broker feeds the live
// eval streams.
func NewServer(addr string, s store.Store, reg *backend.Registry, broker *orchestrator.EvalBroker, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		store:    s,
		registry: reg,
		broker:   broker,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.instrument)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/by-name/{name}", s.handleGetRunByName)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/evals", s.handleListEvals)
		r.Get("/{id}/evals/latest", s.handleLatestEval)
		r.Get(streamPath, s.handleStreamEvals)
		r.Get("/{id}/workers", s.handleListWorkers)
		r.Get("/{id}/logs", s.handleGetLogs)
		r.Get("/{id}/checkpoints", s.handleListCheckpoints)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run binds the listen address and serves until ctx is cancelled, then
// shuts down gracefully. A bind failure is returned before serving starts.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	s.logger.Info("status api listening", "addr", ln.Addr().String())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("status api stopped")
	return nil
}
