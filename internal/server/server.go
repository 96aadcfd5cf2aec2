// Package server exposes the ingestion engine over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/raphaelgruber/ingestd/internal/logbus"
	"github.com/raphaelgruber/ingestd/internal/metrics"
	"github.com/raphaelgruber/ingestd/internal/service"
	"github.com/raphaelgruber/ingestd/internal/sink"
)

// Options configures the HTTP layer.
type Options struct {
	Addr string
	// JWTSecret enables HS256 bearer authentication on /api when set.
	JWTSecret   string
	CORSOrigins []string
	// KeepAlive is the interval of SSE comment pings. Zero uses 15s.
	KeepAlive time.Duration
}

// Deps are the engine components served by the API. The index routes fail
// when Sinks is nil.
type Deps struct {
	Jobs      *service.JobManager
	Sinks     *sink.Factory
	Bus       *logbus.Bus
	Assistant *service.Assistant
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Server wraps the HTTP server with its routes and lifecycle.
type Server struct {
	httpServer *http.Server
	jobs       *service.JobManager
	sinks      *sink.Factory
	bus        *logbus.Bus
	assistant  *service.Assistant
	metrics    *metrics.Collector
	logger     *slog.Logger
	keepAlive  time.Duration
}

// New builds the server and wires all routes.
func New(opts Options, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	assistant := deps.Assistant
	if assistant == nil {
		assistant = service.NewAssistant(nil)
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	s := &Server{
		jobs:      deps.Jobs,
		sinks:     deps.Sinks,
		bus:       deps.Bus,
		assistant: assistant,
		metrics:   deps.Metrics,
		logger:    logger,
		keepAlive: keepAlive,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(opts Options) http.Handler {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if prom := s.metrics.Prometheus(); prom != nil {
		r.Handle("/metrics", prom.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if opts.JWTSecret != "" {
			api.Use(JWTAuth([]byte(opts.JWTSecret)))
		}

		// Streams stay open; everything else is bounded.
		api.Get("/ingest/logs", s.streamLogs)
		api.Get("/ingest/logs/ws", s.streamLogsWS)

		api.Group(func(rest chi.Router) {
			rest.Use(middleware.Timeout(60 * time.Second))

			rest.Post("/ingest", s.submit)
			rest.Get("/jobs", s.listJobs)
			rest.Get("/jobs/{id}", s.getJob)
			rest.Post("/jobs/{id}/cancel", s.cancelJob)
			rest.Post("/jobs/{id}/retry", s.retryJob)
			rest.Delete("/jobs/{id}", s.deleteJob)

			rest.Get("/plugins", s.plugins)
			rest.Get("/plugins/{id}/schema", s.pluginSchema)
			rest.Get("/vector_stores/{id}/schema", s.storeSchema)
			rest.Post("/sources/test-connection", s.testConnection)
			rest.Get("/indices", s.listIndexes)
			rest.Delete("/indices/{name}", s.deleteIndex)
			rest.Post("/assistant/suggest", s.suggest)
			rest.Get("/stats", s.stats)
		})
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Open log streams end when the bus
// closes or their clients disconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
