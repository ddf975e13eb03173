// Package http provides the management API for patternd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/conversation"
	"github.com/fyrsmithlabs/patternd/internal/engine"
	"github.com/fyrsmithlabs/patternd/internal/executor"
	"github.com/fyrsmithlabs/patternd/internal/learning"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"github.com/fyrsmithlabs/patternd/internal/render"
	"github.com/fyrsmithlabs/patternd/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventHandler runs message events through the engine and closes
// conversations on request.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev engine.MessageEvent) (*engine.Result, error)
	CloseConversation(ctx context.Context, conversationID, reason string) (*engine.Closed, error)
}

// Patterns is the store slice the API reads and edits.
type Patterns interface {
	Get(ctx context.Context, id string) (*pattern.Pattern, error)
	List(ctx context.Context, f store.ListFilter) ([]*pattern.Pattern, error)
	UpdateTemplates(ctx context.Context, id string, u store.TemplateUpdate) (*pattern.Pattern, error)
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*pattern.ExecutionRecord, error)
	Counts(ctx context.Context) (store.Counts, error)
}

// Learner creates patterns from operator input.
type Learner interface {
	Seed(ctx context.Context, in learning.SeedInput) (*pattern.Pattern, error)
	FlagGoldStandard(ctx context.Context, in learning.GoldInput) (*pattern.GoldStandard, error)
}

// Outcomes resolves executions and applies operator feedback.
type Outcomes interface {
	ReportOutcome(ctx context.Context, executionID string, outcome pattern.Outcome) (*pattern.Pattern, error)
	ApplyFeedback(ctx context.Context, patternID string, helpful bool) (*pattern.Pattern, error)
}

// Deps are the collaborators behind the routes. Gatherer is optional; without
// it /metrics serves the default registry.
type Deps struct {
	Engine   EventHandler
	Patterns Patterns
	Learner  Learner
	Outcomes Outcomes
	Flags    executor.FlagSource
	Gatherer prometheus.Gatherer
}

// Server provides HTTP endpoints for patternd.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Engine == nil || deps.Patterns == nil || deps.Learner == nil || deps.Outcomes == nil || deps.Flags == nil {
		return nil, fmt.Errorf("engine, patterns, learner, outcomes and flags are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e, logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(nil, logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)...)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/events", s.handleEvent)
	v1.POST("/conversations/:id/close", s.handleCloseConversation)

	v1.GET("/patterns", s.handleListPatterns)
	v1.POST("/patterns", s.handleCreatePattern)
	v1.GET("/patterns/:id", s.handleGetPattern)
	v1.PATCH("/patterns/:id", s.handleUpdatePattern)
	v1.POST("/patterns/:id/disable", s.handleDisablePattern)
	v1.POST("/patterns/:id/feedback", s.handleFeedback)

	v1.GET("/executions", s.handleListExecutions)
	v1.POST("/executions/:id/outcome", s.handleOutcome)

	v1.POST("/gold-standard", s.handleGoldStandard)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateSignature),
		errors.Is(err, store.ErrAlreadyResolved),
		errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, learning.ErrEmptyCapture),
		errors.Is(err, learning.ErrContainsSecret),
		errors.Is(err, pattern.ErrEmptyTemplate),
		errors.Is(err, pattern.ErrInvalidOutcome),
		errors.Is(err, pattern.ErrUnknownActionType),
		errors.Is(err, pattern.ErrMissingParams),
		errors.Is(err, pattern.ErrInvalidParams),
		errors.Is(err, render.ErrMalformedTemplate),
		errors.Is(err, render.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrClosed),
		errors.Is(err, conversation.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorHandler renders domain errors as {"error": "..."} with a mapped status.
func errorHandler(e *echo.Echo, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}
		if c.Response().Committed {
			return
		}
		code := statusFor(err)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err))
			msg = http.StatusText(code)
		}
		_ = c.JSON(code, ErrorResponse{Error: msg})
	}
}
