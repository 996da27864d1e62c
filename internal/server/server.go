// Package server exposes the market-data core to its collaborators
// over HTTP: data fetches, provider health, cache control, turnover
// optimization and runtime reconfiguration.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/cache"
	"github.com/aristath/meridian/internal/composite"
	"github.com/aristath/meridian/internal/health"
	"github.com/aristath/meridian/internal/workpool"
	"github.com/aristath/meridian/pkg/logger"
)

// Config holds server wiring.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Composite *composite.Provider
	Monitor   *health.Monitor
	Cache     *cache.TemporalCache
	Pool      *workpool.Pool
}

// Server is the HTTP front of the market-data core.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	composite *composite.Provider
	monitor   *health.Monitor
	cache     *cache.TemporalCache
	pool      *workpool.Pool
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       logger.Component(cfg.Log, "server"),
		composite: cfg.Composite,
		monitor:   cfg.Monitor,
		cache:     cfg.Cache,
		pool:      cfg.Pool,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/providers", func(r chi.Router) {
			r.Get("/health", s.handleProviderHealth)
			r.Get("/metrics", s.handlePerformanceMetrics)
			r.Get("/alerts", s.handleActiveAlerts)
			r.Get("/rankings", s.handleProviderRankings)
			r.Get("/costs", s.handleProviderCosts)
			r.Get("/config", s.handleGetProviderConfig)
			r.Post("/config", s.handleSetProviderConfig)
		})

		r.Route("/data", func(r chi.Router) {
			r.Post("/historical", s.handleFetchHistorical)
			r.Post("/realtime", s.handleFetchRealTime)
			r.Post("/info", s.handleFetchAssetInfo)
			r.Post("/validate", s.handleValidateSymbols)
			r.Get("/search", s.handleSearchAssets)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Post("/invalidate/{subject}", s.handleCacheInvalidate)
			r.Post("/cleanup", s.handleCacheCleanup)
		})

		r.Post("/turnover/optimize", s.handleTurnoverOptimize)
	})

	s.router.Get("/ws/alerts", s.handleAlertStream)
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
