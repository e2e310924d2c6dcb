// Package rpcserver exposes the node's mining RPC surface over HTTP: a
// single JSON-RPC POST endpoint (getminerdata, calc_pow, add_aux_pow) plus
// health and stats probes for operators.
package rpcserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/junocash/jmined/internal/miner"
	"github.com/junocash/jmined/internal/minerdata"
	"github.com/junocash/jmined/internal/process"
	"github.com/junocash/jmined/pkg/circuit"
	"github.com/junocash/jmined/pkg/log"
)

// Config holds RPC server configuration.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8232",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// StatsSource reports mining loop statistics.
type StatsSource interface {
	Stats() miner.Stats
}

// BreakerSource reports circuit breaker state for an upstream dependency.
type BreakerSource interface {
	BreakerStats() circuit.Stats
}

// PoolStatusSource reports the p2pool sidecar's statistics.
type PoolStatusSource interface {
	GetStatus(ctx context.Context) process.PoolStatus
}

// HealthChecker verifies a backing service is reachable.
type HealthChecker func(ctx context.Context) error

// Server serves mining RPCs. The miner stats, breaker, and health hooks
// are optional; nil members are simply omitted from /stats and /health.
type Server struct {
	config     *Config
	service    *minerdata.Service
	stats      StatsSource
	breaker    BreakerSource
	poolStatus PoolStatusSource
	health     HealthChecker
	logger     *log.Logger

	httpServer *http.Server
}

// New creates an RPC server around a miner data service.
func New(config *Config, service *minerdata.Service, logger *log.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		config:  config,
		service: service,
		logger:  logger.WithComponent("rpcserver"),
	}
}

// WithMinerStats attaches a mining statistics source for /stats.
func (s *Server) WithMinerStats(stats StatsSource) *Server {
	s.stats = stats
	return s
}

// WithPoolBreaker attaches the pool circuit breaker for /stats.
func (s *Server) WithPoolBreaker(breaker BreakerSource) *Server {
	s.breaker = breaker
	return s
}

// WithPoolStatus attaches a p2pool sidecar status source for /stats.
func (s *Server) WithPoolStatus(status PoolStatusSource) *Server {
	s.poolStatus = status
	return s
}

// WithHealthCheck attaches a storage health probe for /health.
func (s *Server) WithHealthCheck(check HealthChecker) *Server {
	s.health = check
	return s
}

// Router builds the gin handler. Exposed separately from Start so tests
// can drive it with httptest.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/", s.handleRPC)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)

	return router
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called. Blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("RPC server listening", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "degraded",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{}

	if s.stats != nil {
		m := s.stats.Stats()
		stats["miner"] = gin.H{
			"state":           m.State.String(),
			"template_height": m.TemplateHeight,
			"hashes":          m.Hashes,
			"polls":           m.Polls,
			"shares_found":    m.SharesFound,
			"shares_accepted": m.SharesAccepted,
			"shares_rejected": m.SharesRejected,
			"shares_stale":    m.SharesStale,
		}
	}
	if s.breaker != nil {
		b := s.breaker.BreakerStats()
		stats["pool_breaker"] = gin.H{
			"name":     b.Name,
			"state":    b.State.String(),
			"failures": b.Failures,
		}
	}
	if s.poolStatus != nil {
		stats["p2pool"] = s.poolStatus.GetStatus(c.Request.Context())
	}

	c.JSON(http.StatusOK, stats)
}
