// Package web exposes the portal operations, connectivity diagnostics and
// the live event stream over HTTP.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"portal-bridge/config"
	"portal-bridge/internal/diagnostics"
	"portal-bridge/internal/dispatch"
	"portal-bridge/internal/events"
	"portal-bridge/internal/monitor"
	"portal-bridge/internal/portal"
	"portal-bridge/internal/store"
)

// HistoryReader is the read side of the probe store.
type HistoryReader interface {
	LatestSweep(ctx context.Context) ([]store.ProbeRecord, error)
	History(ctx context.Context, label string, limit int) ([]store.ProbeRecord, error)
}

// Deps are the collaborators the server routes to. History and EventBus
// may be nil.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Prober     *diagnostics.Prober
	History    HistoryReader
	EventBus   events.EventBus
	Metrics    *monitor.Metrics
}

// Server is the HTTP API.
type Server struct {
	server *http.Server
	engine *gin.Engine
	logger *slog.Logger

	mu     sync.RWMutex
	config *config.Config
	portal *portal.Client

	dispatcher *dispatch.Dispatcher
	prober     *diagnostics.Prober
	history    HistoryReader
	metrics    *monitor.Metrics
	hub        *eventHub

	startTime  time.Time
	configPath string
}

// NewServer builds the router. cfg supplies the backend base URL and the
// listen address.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger, configPath string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())

	s := &Server{
		engine:     engine,
		logger:     logger,
		config:     cfg,
		portal:     portal.NewClient(cfg.Backend.BaseURL, deps.Dispatcher, logger, portal.WithDefaultPlan(cfg.Backend.DefaultPlan)),
		dispatcher: deps.Dispatcher,
		prober:     deps.Prober,
		history:    deps.History,
		metrics:    deps.Metrics,
		hub:        newEventHub(logger),
		startTime:  time.Now(),
		configPath: configPath,
	}

	if deps.EventBus != nil {
		deps.EventBus.SetSSEBroadcaster(s.hub)
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background.
func (s *Server) Start() error {
	cfg := s.currentConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       300 * time.Second,
	}

	s.logger.Info(fmt.Sprintf("🌐 HTTP API starting - address: %s", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start HTTP API: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	s.logger.Info(fmt.Sprintf("✅ HTTP API listening on http://%s", addr))
	return nil
}

// Stop closes event streams and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.server == nil {
		return nil
	}

	s.logger.Info("🛑 Stopping HTTP API...")
	err := s.server.Shutdown(ctx)
	if err != nil {
		s.logger.Error(fmt.Sprintf("❌ HTTP API shutdown failed: %v", err))
	} else {
		s.logger.Info("✅ HTTP API stopped")
	}
	return err
}

// UpdateConfig applies a reloaded configuration. The listen address only
// changes on restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mu.Lock()
	s.config = cfg
	s.portal = portal.NewClient(cfg.Backend.BaseURL, s.dispatcher, s.logger, portal.WithDefaultPlan(cfg.Backend.DefaultPlan))
	s.mu.Unlock()
	s.logger.Info("🔄 HTTP API configuration updated")
}

func (s *Server) currentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *Server) portalClient() *portal.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portal
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api/v1")
	{
		api.GET("/strategies", s.handleStrategies)
		api.GET("/walled-garden", s.handleWalledGarden)
		api.GET("/stats", s.handleStats)
		api.Any("/backend/*path", s.handleBackend)
		api.GET("/events", s.handleEvents)

		api.GET("/diagnostics", s.handleDiagnostics)
		api.POST("/diagnostics/run", s.handleRunDiagnostics)
		api.GET("/diagnostics/history", s.handleDiagnosticsHistory)

		p := api.Group("/portal")
		p.POST("/register", s.handleRegister)
		p.POST("/login", s.handleLogin)
		p.POST("/otp/request", s.handleRequestOTP)
		p.POST("/otp/verify", s.handleVerifyOTP)
		p.GET("/usage", s.handleUsage)
	}
}

// requestIDMiddleware tags each API call so its dispatch log lines and
// events can be correlated with the response.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		c.Header("X-Request-ID", id)
		c.Request = c.Request.WithContext(dispatch.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/health" {
			return
		}

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		msg := fmt.Sprintf("🌐 HTTP %s %s %d %v %s", c.Request.Method, path, statusCode, latency, c.ClientIP())
		if statusCode >= 400 {
			logger.Warn(msg)
		} else {
			logger.Debug(msg)
		}
	}
}
