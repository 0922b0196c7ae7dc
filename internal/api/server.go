// Package api serves the operational HTTP surface: health, Prometheus
// metrics and settlement status.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"investment-settlement/internal/cache"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/settlement"
)

// Pinger is a dependency whose reachability is part of health
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchedulerStatus is the read side of the settlement scheduler
type SchedulerStatus interface {
	IsRunning() bool
	NextRunAt() time.Time
	LastResult() *settlement.BatchResult
}

// MonitorStatus is the read side of the settlement monitor
type MonitorStatus interface {
	Status() settlement.MonitorStatus
}

// BatchCache is the shared Redis view of batch results
type BatchCache interface {
	Pinger
	LastBatch(ctx context.Context) (*settlement.BatchResult, error)
	GetStats() cache.Stats
}

// Dependencies wires the server to the running daemon. Everything except
// Store may be nil.
type Dependencies struct {
	Store     Pinger
	Cache     BatchCache
	Scheduler SchedulerStatus
	Monitor   MonitorStatus
	Metrics   http.Handler
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server represents the HTTP ops server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	config     ServerConfig
	logger     zerolog.Logger
	startedAt  time.Time
}

// ParseOrigins splits a comma separated origin list
func ParseOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// NewServer creates a new ops server
func NewServer(config ServerConfig, deps Dependencies, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	logger = logging.Component(logger, "api")

	// Middleware
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 0 || (len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:    router,
		deps:      deps,
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// requestLogger logs each request at debug, or warn for 5xx responses
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = logger.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
}

// Handler exposes the router for in-process use
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting ops HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down ops HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth reports store and redis reachability. Redis is degraded,
// never unhealthy: settlement runs without it.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{
		"status": "healthy",
		"store":  "healthy",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.deps.Cache != nil {
		body["redis"] = "healthy"
		if err := s.deps.Cache.Ping(ctx); err != nil {
			body["redis"] = "degraded"
			body["status"] = "degraded"
		}
	}

	if err := s.deps.Store.Ping(ctx); err != nil {
		body["store"] = "unhealthy"
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	c.JSON(http.StatusOK, body)
}

type schedulerView struct {
	Running   bool                    `json:"running"`
	NextRunAt *time.Time              `json:"next_run_at,omitempty"`
	LastBatch *settlement.BatchResult `json:"last_batch,omitempty"`
}

type statusResponse struct {
	Scheduler  *schedulerView            `json:"scheduler,omitempty"`
	Monitor    *settlement.MonitorStatus `json:"monitor,omitempty"`
	FleetBatch *settlement.BatchResult   `json:"fleet_last_batch,omitempty"`
	Cache      *cache.Stats              `json:"cache,omitempty"`
}

// handleStatus reports this instance's scheduler and monitor state, plus
// the last batch any instance published to Redis
func (s *Server) handleStatus(c *gin.Context) {
	var resp statusResponse

	if s.deps.Scheduler != nil {
		view := &schedulerView{
			Running:   s.deps.Scheduler.IsRunning(),
			LastBatch: s.deps.Scheduler.LastResult(),
		}
		if next := s.deps.Scheduler.NextRunAt(); !next.IsZero() {
			view.NextRunAt = &next
		}
		resp.Scheduler = view
	}

	if s.deps.Monitor != nil {
		st := s.deps.Monitor.Status()
		resp.Monitor = &st
	}

	if s.deps.Cache != nil {
		stats := s.deps.Cache.GetStats()
		resp.Cache = &stats

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if batch, err := s.deps.Cache.LastBatch(ctx); err == nil {
			resp.FleetBatch = batch
		}
	}

	c.JSON(http.StatusOK, resp)
}
