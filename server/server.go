// Package server hosts the operational HTTP surface: health and metrics.
// The narrative engine itself has no inbound HTTP; chat events arrive
// through the platform adapter.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/taleforge/ai/metrics"
	"github.com/hrygo/taleforge/internal/profile"
	"github.com/hrygo/taleforge/store"
)

type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	store   *store.Store
}

func NewServer(profile *profile.Profile, st *store.Store, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, profile: profile, store: st}

	e.GET("/healthz", s.healthz)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}
	return s
}

func (s *Server) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Healthy(ctx); err != nil {
		return c.String(http.StatusServiceUnavailable, "store unavailable")
	}
	return c.String(http.StatusOK, "ok")
}

// Start begins serving; it blocks until the listener fails or Shutdown
// runs. http.ErrServerClosed signals a clean stop.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	slog.Info("ops server listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down ops server", "error", err)
	}
}
