package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beaconlabs/beacon/internal/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(errors.Middleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	s.echo.GET("/", s.handleIndex)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.registerHealthRoutes()

	ws := s.echo.Group("/ws")
	if s.config.AuthSecret != "" {
		ws.Use(newAuthMiddleware(s.config.AuthSecret))
	}
	ws.GET("", s.handleWebSocket)

	api := s.echo.Group("/api")
	api.Use(newRateLimiter(s.config.APIRatePerSecond, s.config.APIRateBurst))
	if s.config.AuthSecret != "" {
		api.Use(newAuthMiddleware(s.config.AuthSecret))
	}

	api.GET("/channels", s.handleListChannels)
	api.PUT("/channels/:name", s.handleCreateChannel)
	api.DELETE("/channels/:name", s.handleRemoveChannel)
	api.POST("/channels/:name/broadcast", s.handleBroadcast)

	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions/:id/send", s.handleSendToSession)
	api.DELETE("/sessions/:id", s.handleRemoveSession)

	api.GET("/stats", s.handleStats)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}
