// Package api provides the HTTP API server of the relay. It wires the gin
// engine, middleware and routes around a relay.Service and a batch store.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReceiptRelay/internal/api/handlers"
	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	"github.com/router-for-me/ReceiptRelay/internal/config"
	"github.com/router-for-me/ReceiptRelay/internal/logging"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	log "github.com/sirupsen/logrus"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	logBuffer          *logging.RingBuffer
}

// ServerOption customises the HTTP server.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware after the defaults.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine before routes are registered.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithLogBuffer serves /v0/logs from buf instead of the global buffer.
func WithLogBuffer(buf *logging.RingBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.logBuffer = buf
	}
}

// Server is the relay HTTP server.
type Server struct {
	engine   *gin.Engine
	server   *http.Server
	handlers *handlers.Handler
	svc      *relay.Service

	// cfgHolder provides race-safe config snapshots after hot reloads.
	cfgHolder atomic.Value
}

// NewServer builds the engine and registers every route.
func NewServer(cfg *config.Config, svc *relay.Service, st store.Store, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}
	engine.MaxMultipartMemory = handlers.MaxUploadBytes

	middleware.RegisterMetrics()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.ConnectionTrackerMiddleware())
	engine.Use(middleware.PrometheusMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}
	engine.Use(corsMiddleware())

	s := &Server{
		engine:   engine,
		handlers: handlers.NewHandler(svc, st, optionState.logBuffer),
		svc:      svc,
	}
	s.cfgHolder.Store(cfg)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handlers
	s.engine.GET("/healthz", handlers.Healthz)
	s.engine.GET("/metrics", middleware.MetricsHandler())
	s.engine.GET("/v0/logs", h.Logs)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/generate", h.Generate)
		v1.POST("/chat", h.StartChat)
		v1.POST("/chat/:id/messages", h.SendMessage)
		v1.POST("/analyze/image", h.AnalyzeImage)
		v1.POST("/analyze/receipt", h.AnalyzeReceipt)
		v1.POST("/tokens/count", h.CountTokens)
		v1.GET("/keys/stats", h.KeyStats)
		v1.GET("/stats", h.Stats)
		v1.DELETE("/batches/:id", h.ClearBatch)
		v1.GET("/batches/:id/export.xlsx", h.ExportBatch)
	}
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Stop is called.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %v", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %v", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies the runtime-tunable parts of a reloaded config: the
// log level and the result cache switch.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	old := s.getConfig()
	s.cfgHolder.Store(cfg)
	logging.SetLogLevel(cfg.EffectiveLogLevel())
	s.svc.SetCacheEnabled(cfg.Cache.Enabled)
	if old != nil && old.Debug != cfg.Debug {
		log.Infof("debug mode changed to %v", cfg.Debug)
	}
}

func (s *Server) getConfig() *config.Config {
	cfg, _ := s.cfgHolder.Load().(*config.Config)
	return cfg
}

// corsMiddleware allows browser clients on any origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := strings.TrimSpace(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
