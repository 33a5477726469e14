package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/beaconlabs/beacon/internal/platform/config"
	"github.com/beaconlabs/beacon/internal/realtime"
)

// Server hosts the WebSocket endpoint and the registry's REST API.
type Server struct {
	echo   *echo.Echo
	config *config.Config

	broadcaster *realtime.Broadcaster
	sessions    *realtime.SessionManager
	upgrader    *realtime.Upgrader

	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer wires routes and middleware around the broadcast registry.
func NewServer(cfg *config.Config, broadcaster *realtime.Broadcaster, sessions *realtime.SessionManager, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	checkOrigin := realtime.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment())
	upgrader := realtime.NewUpgrader(checkOrigin, cfg.SendBufferSize, clock)

	srv := &Server{
		echo:         e,
		config:       cfg,
		broadcaster:  broadcaster,
		sessions:     sessions,
		upgrader:     upgrader,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
