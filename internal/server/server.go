// Package server exposes the trigger ingress API: scan and auto-fix
// submission, run inspection, health, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/autofix"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
	"github.com/fyrsmithlabs/remedyd/internal/scan"
)

// Config holds HTTP server configuration.
type Config struct {
	// Host to bind.
	// Default: "0.0.0.0"
	Host string `koanf:"host"`

	// Port to listen on.
	// Default: 8080
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10 seconds
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// RunService is the slice of the saga runner the API needs.
type RunService interface {
	Submit(ctx context.Context, typ saga.Type, key string, trigger any) (*saga.Run, error)
	GetRun(ctx context.Context, runID string) (*saga.Run, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	runs   RunService
	logger *logging.Logger
	cfg    Config
}

// NewServer creates the HTTP server.
func NewServer(cfg Config, runs RunService, logger *logging.Logger) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:   e,
		runs:   runs,
		logger: logger.Named("http"),
		cfg:    cfg,
	}
	e.Use(s.requestLogMiddleware())
	e.Use(newHTTPMetrics(s.logger).middleware())
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/scans", s.handleCreateScan)
	v1.POST("/autofixes", s.handleCreateAutoFix)
	v1.GET("/runs/:id", s.handleGetRun)
}

func (s *Server) requestLogMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the response body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunAccepted is the response body for accepted trigger submissions.
type RunAccepted struct {
	RunID  string         `json:"runId"`
	Status saga.RunStatus `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleCreateScan validates the trigger and submits a scan run. The run
// executes in the background; the response carries the run ID to poll.
func (s *Server) handleCreateScan(c echo.Context) error {
	var trigger scan.TriggerEvent
	if err := c.Bind(&trigger); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	trigger.ApplyDefaults()
	if err := trigger.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	return s.submitRun(c, saga.TypeScan, trigger.Key(), trigger)
}

// handleCreateAutoFix validates the trigger and submits an auto-fix run.
func (s *Server) handleCreateAutoFix(c echo.Context) error {
	var trigger autofix.Event
	if err := c.Bind(&trigger); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	trigger.ApplyDefaults()
	if err := trigger.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}

	return s.submitRun(c, saga.TypeAutoFix, trigger.Key(), trigger)
}

func (s *Server) submitRun(c echo.Context, typ saga.Type, key string, trigger any) error {
	ctx := c.Request().Context()
	run, err := s.runs.Submit(ctx, typ, key, trigger)
	if err != nil {
		var se *saga.Error
		if errors.As(err, &se) && se.Kind == saga.KindRateLimited {
			seconds := int(math.Ceil(se.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(seconds))
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error: fmt.Sprintf("rate limited, retry after %ds", seconds),
			})
		}
		s.logger.Error(ctx, "run submission failed", zap.Error(err), zap.String("saga", string(typ)))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to start run"})
	}

	return c.JSON(http.StatusAccepted, RunAccepted{RunID: run.ID, Status: run.Status})
}

// handleGetRun returns run state including failed step, error kind, and
// attempt count for terminal runs.
func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runs.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, saga.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
		}
		s.logger.Error(c.Request().Context(), "run lookup failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load run"})
	}
	return c.JSON(http.StatusOK, run)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
