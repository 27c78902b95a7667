// Package server exposes the operator HTTP API.
package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Config holds HTTP server settings.
type Config struct {
	Addr string
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey string
	// ScanRate bounds POST /v1/scan per client, in requests per second.
	ScanRate float64
	DevMode  bool
}

// Server wraps an echo instance with lifecycle management.
type Server struct {
	e      *echo.Echo
	cfg    Config
	closed chan struct{}
}

// New creates a server serving h.
func New(h *Handlers, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger)

	e.Server.ReadTimeout = 15 * time.Second
	e.Server.WriteTimeout = 10 * time.Minute
	e.Server.IdleTimeout = 60 * time.Second

	RegisterRoutes(e, h, cfg)
	return &Server{e: e, cfg: cfg, closed: make(chan struct{})}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() *echo.Echo {
	return s.e
}

// Start serves until Shutdown is called. It returns http.ErrServerClosed
// after a graceful shutdown.
func (s *Server) Start() error {
	return s.e.Start(s.cfg.Addr)
}

// Shutdown gracefully stops the server, waiting at most 10 seconds.
func (s *Server) Shutdown(ctx context.Context) error {
	defer close(s.closed)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// WaitClosed blocks until the server is shut down or ctx is done.
func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

// SetNoCacheHeaders prevents caching of API responses.
func SetNoCacheHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}
