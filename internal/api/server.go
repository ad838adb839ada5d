// Package api serves the traceability queries and test intake over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/pooltrace-server/internal/cache"
	"github.com/pooltrace-server/internal/domain"
	"github.com/pooltrace-server/internal/metrics"
	"github.com/pooltrace-server/internal/middleware"
	"github.com/pooltrace-server/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Store is the record store the server reads and writes. Snapshot feeds the
// repository after each accepted write.
type Store interface {
	domain.RecordStore
	Snapshot() domain.Snapshot
}

// Server represents the HTTP server
type Server struct {
	cfg        domain.ServerConfig
	store      Store
	queries    *service.QueryService
	cache      cache.Cache
	repository domain.Repository
	metrics    *metrics.Collector
	log        *logrus.Logger
	group      singleflight.Group
	router     *gin.Engine
	server     *http.Server
}

// Option customizes a Server
type Option func(*Server)

// WithRepository persists the store after every accepted write.
func WithRepository(repo domain.Repository) Option {
	return func(s *Server) {
		s.repository = repo
	}
}

// WithCache replaces the default no-op report cache.
func WithCache(c cache.Cache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, store Store, collector *metrics.Collector, logger *logrus.Logger, opts ...Option) *Server {
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		queries: service.NewQueryService(store, logger),
		cache:   cache.Noop{},
		metrics: collector,
		log:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.Metrics(collector))
	s.router = router

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/pools/flagged", s.handleFlaggedPools)
		v1.GET("/pools/:id/members", s.handlePoolMembers)
		v1.GET("/samples/:id/lineage", s.handleLineage)
		v1.GET("/exceptions/missing-reflex", s.handleMissingReflexes)
		v1.GET("/statuses", s.handleStatuses)
		v1.GET("/summary", s.handleSummary)
		v1.POST("/tests", middleware.RateLimit(limiter), s.handleRecordTest)
	}
}
