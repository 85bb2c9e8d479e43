// Package http exposes the negotiation core over a JSON API: event intake,
// thread and action reads, operator decisions and conflict reports.
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Engine is the part of the orchestrator the API drives.
// *orchestrator.Orchestrator implements it.
type Engine interface {
	Submit(ctx context.Context, ev event.Event) (queue.Handle, error)
	Handle(ctx context.Context, ev event.Event) (*orchestrator.Result, error)
	Store() store.Store
	Ledger() *ledger.Ledger
}

// Server provides HTTP endpoints for dealflow.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(engine Engine, logger *logging.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8480,
		}
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	metrics, err := newAPIMetrics(nil)
	if err != nil {
		logger.Warn(context.Background(), "some API metrics are unavailable", zap.Error(err))
	}
	e.Use(metrics.middleware())

	s := &Server{
		echo:   e,
		engine: engine,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request ID on the request context so every log
// line written while serving it carries the ID, then logs the request.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleSubmitEvent)
	v1.GET("/threads/:id", s.handleGetThread)
	v1.GET("/actions", s.handleListActions)
	v1.POST("/actions/:id/approve", s.handleDecision(event.VerdictApprove))
	v1.POST("/actions/:id/reject", s.handleDecision(event.VerdictReject))
	v1.GET("/owners/:owner/conflicts", s.handleConflicts)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() *echo.Echo { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
