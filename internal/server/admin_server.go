package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/health"
	"github.com/devrev/pairdb/viewbuilder/internal/metrics"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"github.com/devrev/pairdb/viewbuilder/internal/validation"
	"github.com/devrev/pairdb/viewbuilder/internal/viewupdate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PeerSource exposes the backlogs gossiped by other nodes
type PeerSource interface {
	PeerBacklogs() map[string]model.HealthStatus
}

// PoolStats exposes the view writer pool statistics
type PoolStats interface {
	Stats() workerpool.Stats
}

// AdminServerConfig holds the configuration and dependencies of the admin
// server. Peers and Pool are optional.
type AdminServerConfig struct {
	NodeID       string
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	MaxRows      int
	MetricsPath  string

	Tables    *table.Registry
	Generator *viewupdate.Generator
	Health    *health.HealthChecker
	Peers     PeerSource
	Pool      PoolStats
	Gatherer  prometheus.Gatherer
	Metrics   *metrics.Metrics
}

// AdminServer serves the admin HTTP API
type AdminServer struct {
	config     *AdminServerConfig
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	handlers   *Handlers
	logger     *zap.Logger
}

// NewAdminServer creates the admin server and sets up its routes
func NewAdminServer(cfg *AdminServerConfig, logger *zap.Logger) *AdminServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 * 1024 * 1024
	}

	s := &AdminServer{
		config: cfg,
		router: mux.NewRouter(),
		handlers: &Handlers{
			nodeID:       cfg.NodeID,
			tables:       cfg.Tables,
			generator:    cfg.Generator,
			peers:        cfg.Peers,
			pool:         cfg.Pool,
			validator:    validation.NewValidatorWithLimits(validation.MaxKeySize, validation.MaxValueSize, cfg.MaxRows),
			maxBodyBytes: cfg.MaxBodyBytes,
			logger:       logger,
		},
		logger: logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *AdminServer) setupRoutes() {
	middlewares := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.config.Metrics != nil {
		middlewares = append(middlewares, Metrics(s.config.Metrics))
	}
	if s.config.RateLimit > 0 {
		limiter := NewRateLimiter(s.config.RateLimit, s.config.RateBurst, s.logger)
		middlewares = append(middlewares, limiter.Limit)
	}
	s.router.Use(Chain(middlewares...))

	if s.config.Gatherer != nil {
		s.router.Handle(s.config.MetricsPath, promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.config.Health != nil {
		s.router.HandleFunc("/health", s.config.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.config.Health.ReadinessHandler).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/backlog", s.handlers.Backlog).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{keyspace}/{table}/staging", s.handlers.WriteStaging).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{keyspace}/{table}/refresh", s.handlers.Refresh).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{keyspace}/{table}/rows/{key}", s.handlers.LookupRow).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusNotFound, 0, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, r, http.StatusMethodNotAllowed, 0, "method not allowed")
	})
}

// Start begins listening and serves requests in the background
func (s *AdminServer) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = lis

	s.logger.Info("Starting admin server", zap.String("addr", lis.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the address the server listens on once started
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the HTTP handler, used by tests
func (s *AdminServer) Handler() http.Handler {
	return s.router
}
