// Package http provides the operator HTTP API for autopilot.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/events"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/metrics"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
	"github.com/fyrsmithlabs/autopilot/internal/pae"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Header names understood by the API.
const (
	HeaderAdminToken      = "X-Admin-Token"
	HeaderCapabilityToken = "X-Capability-Token"
)

// Server provides HTTP endpoints for autopilot.
type Server struct {
	echo     *echo.Echo
	pipeline *pae.Pipeline
	changes  *orchestrator.Orchestrator
	metrics  *metrics.Metrics
	events   events.Publisher
	logger   *logging.Logger
	config   *Config

	webhookLimits webhookLimiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// AdminToken guards /api/v1. Empty leaves the API open.
	AdminToken config.Secret
	// WebhookSecret verifies GitHub deliveries. Empty disables /webhooks/github.
	WebhookSecret config.Secret
}

// Option configures a Server.
type Option func(*Server)

// WithChanges enables the change routes.
func WithChanges(o *orchestrator.Orchestrator) Option {
	return func(s *Server) { s.changes = o }
}

// WithMetrics serves reg on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEvents publishes webhook deliveries on pub.
func WithEvents(pub events.Publisher) Option {
	return func(s *Server) { s.events = pub }
}

// NewServer creates a new HTTP server.
func NewServer(pipeline *pae.Pipeline, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8787,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		pipeline: pipeline,
		events:   events.Nop{},
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	if s.config.WebhookSecret.IsSet() {
		s.echo.POST("/webhooks/github", s.handleGitHubWebhook)
	}

	v1 := s.echo.Group("/api/v1", s.requireAdmin)

	v1.POST("/proposals", s.handlePropose)
	v1.GET("/proposals/pending", s.handleListPending)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.POST("/proposals/:id/decision", s.handleDecide)
	v1.POST("/proposals/:id/execute", s.handleExecute)

	if s.changes == nil {
		return
	}
	v1.POST("/changes", s.handleOpenChange)
	v1.POST("/changes/autopilot", s.handleAutopilot)
	v1.POST("/changes/edit", s.handleEditFile)
	v1.GET("/changes/:number", s.handleChangeStatus)
	v1.GET("/changes/:number/readiness", s.handleReadiness)
	v1.POST("/changes/:number/merge", s.handleMerge)
	v1.POST("/changes/:number/update-branch", s.handleUpdateBranch)
	v1.POST("/changes/:number/merge-base", s.handleMergeBase)
	v1.POST("/changes/:number/admin-squash-merge", s.handleAdminSquashMerge)
	v1.POST("/branches/protection/approvals", s.handleApprovalPolicy)
	v1.GET("/worktree", s.handleWorktree)
}

// requireAdmin checks the admin token when one is configured.
func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.config.AdminToken.IsSet() {
			return next(c)
		}
		if !s.config.AdminToken.Equal(c.Request().Header.Get(HeaderAdminToken)) {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "missing or invalid admin token"})
		}
		return next(c)
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler returns the root handler, for embedding in tests or other servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

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
