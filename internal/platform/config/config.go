package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL enables the cross-instance relay when set.
	RedisURL string `env:"REDIS_URL"`

	// AuthSecret enables the JWT gate on /api and /ws when set.
	AuthSecret string `env:"AUTH_SECRET"`

	MaxClientsPerChannel int `env:"MAX_CLIENTS_PER_CHANNEL" default:"1000"`
	SendBufferSize       int `env:"SEND_BUFFER_SIZE" default:"16"`

	APIRatePerSecond float64 `env:"API_RATE_PER_SECOND" default:"20"`
	APIRateBurst     int     `env:"API_RATE_BURST" default:"40"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", cfg.LogLevel)
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.MaxClientsPerChannel < 1 {
		return errors.New("MAX_CLIENTS_PER_CHANNEL must be at least 1")
	}

	if cfg.SendBufferSize < 1 {
		return errors.New("SEND_BUFFER_SIZE must be at least 1")
	}

	if cfg.APIRatePerSecond <= 0 {
		return errors.New("API_RATE_PER_SECOND must be positive")
	}

	if cfg.AuthSecret != "" && len(cfg.AuthSecret) < 16 {
		return errors.New("AUTH_SECRET must be at least 16 characters")
	}

	return nil
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
