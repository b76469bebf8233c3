// Package server assembles the echo HTTP front door.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

// Routes is anything that mounts endpoints on the server
type Routes interface {
	RegisterRoutes(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger ectologger.Logger
}

// New builds the server with the shared middleware chain and the given route sets.
func New(cfg *config.Config, logger ectologger.Logger, checker *health.Checker, routes ...Routes) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.AllowOrigins}))
	e.Use(echomw.BodyLimit(cfg.HttpServerBodyLimit))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if checker != nil {
		checker.RegisterRoutes(e)
	}
	for _, r := range routes {
		r.RegisterRoutes(e)
	}

	return &Server{
		echo: e,
		http: &http.Server{
			Addr:         cfg.Address(),
			Handler:      e,
			ReadTimeout:  time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
			IdleTimeout:  time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// NewAPI mounts the batch, employee, report and execution endpoints.
func NewAPI(cfg *config.Config, logger ectologger.Logger, checker *health.Checker,
	batch *handlers.BatchHandler,
	employees *handlers.EmployeeHandler,
	reports *handlers.ReportHandler,
	executions *handlers.ExecutionHandler,
) *Server {
	return New(cfg, logger, checker, batch, employees, reports, executions)
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithContext(ctx).Infof("HTTP server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
