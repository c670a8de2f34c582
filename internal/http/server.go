// Package http provides the HTTP API for the forged daemon.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/config"
	"github.com/clientforge/forged/internal/featureflag"
	"github.com/clientforge/forged/internal/kernel"
)

// Server exposes the platform endpoints plus the per-module surfaces the
// kernel mounts under /api/v1.
type Server struct {
	echo   *echo.Echo
	kernel *kernel.Kernel
	flags  *featureflag.Evaluator
	logger *zap.Logger
	config config.ServerConfig
	api    *echo.Group
}

// NewServer creates the HTTP server and registers the platform routes.
func NewServer(cfg config.ServerConfig, k *kernel.Kernel, flags *featureflag.Evaluator, logger *zap.Logger) (*Server, error) {
	if k == nil {
		return nil, fmt.Errorf("kernel cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			RequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(c.Response().Status),
			).Inc()
			RequestDuration.WithLabelValues(c.Request().Method, c.Path()).
				Observe(duration.Seconds())

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		kernel: k,
		flags:  flags,
		logger: logger,
		config: cfg,
		api:    e.Group("/api/v1"),
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Probes
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/readyz", s.handleReady)

	// Prometheus scrape endpoint
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Platform introspection
	s.api.GET("/modules", s.handleModules)
	s.api.GET("/loadorder", s.handleLoadOrder)
	s.api.GET("/flags", s.handleFlags)
	s.api.GET("/flags/:name/eval", s.handleFlagEval)
}

// API returns the /api/v1 route group modules mount their surfaces under.
func (s *Server) API() *echo.Group {
	return s.api
}

// Handler returns the root handler, for hosts that bring their own
// listener and for integration tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth aggregates module health. An unhealthy verdict answers 503
// so load balancers drain the instance.
func (s *Server) handleHealth(c echo.Context) error {
	report := s.kernel.Health(c.Request().Context())
	status := http.StatusOK
	if !report.Overall {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

// handleReady reports whether startup (init + attach) completed.
func (s *Server) handleReady(c echo.Context) error {
	if !s.kernel.Ready() {
		return c.JSON(http.StatusServiceUnavailable, StatusResponse{Status: "starting"})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ready"})
}

// handleModules lists registered module descriptors in registration order.
func (s *Server) handleModules(c echo.Context) error {
	descs := s.kernel.Modules()
	out := ModulesResponse{Modules: make([]ModuleInfo, 0, len(descs))}
	for _, d := range descs {
		out.Modules = append(out.Modules, ModuleInfo{
			Name:         d.Name,
			Version:      d.Version,
			Description:  d.Description,
			Owner:        d.Owner,
			Dependencies: d.Dependencies,
			OptionalDeps: d.OptionalDeps,
			Optional:     d.Optional,
			Tags:         d.Tags,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// handleLoadOrder returns the computed initialization order.
func (s *Server) handleLoadOrder(c echo.Context) error {
	return c.JSON(http.StatusOK, LoadOrderResponse{LoadOrder: s.kernel.LoadOrder()})
}

// handleFlags returns the current flag definitions.
func (s *Server) handleFlags(c echo.Context) error {
	if s.flags == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feature flags are not configured")
	}
	return c.JSON(http.StatusOK, s.flags.Snapshot())
}

// handleFlagEval evaluates one flag for a subject. Unknown flags answer
// enabled=false, matching the evaluator's fail-closed contract.
func (s *Server) handleFlagEval(c echo.Context) error {
	if s.flags == nil {
		return echo.NewHTTPError(http.StatusNotFound, "feature flags are not configured")
	}

	name := c.Param("name")
	user := c.QueryParam("user")
	tenant := c.QueryParam("tenant")

	return c.JSON(http.StatusOK, FlagEvalResponse{
		Flag:    name,
		Enabled: s.flags.IsEnabled(name, user, tenant),
		User:    user,
		Tenant:  tenant,
	})
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
