package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/beaconlabs/beacon/internal/httpserver"
	"github.com/beaconlabs/beacon/internal/platform/config"
	"github.com/beaconlabs/beacon/internal/platform/logging"
	"github.com/beaconlabs/beacon/internal/platform/version"
	"github.com/beaconlabs/beacon/internal/realtime"
	"github.com/beaconlabs/beacon/internal/relay"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Starting beacon",
		"version", version.Get().Version,
		"env", cfg.AppEnv,
	)

	clock := clockwork.NewRealClock()

	broadcaster := realtime.NewBroadcaster(realtime.Options{
		MaxClientsPerChannel: cfg.MaxClientsPerChannel,
		Clock:                clock,
	})
	sessions := realtime.NewSessionManager(broadcaster, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthChecks []httpserver.HealthCheck
	var redisClient *redis.Client

	if cfg.RedisURL != "" {
		redisClient, err = relay.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() {
			_ = redisClient.Close()
		}()

		r := relay.New(redisClient, broadcaster)
		broadcaster.SetRelay(r)
		go r.Start(ctx)

		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
		slog.Info("Cross-instance relay enabled", "instance_id", r.InstanceID())
	}

	srv := httpserver.NewServer(cfg, broadcaster, sessions, clock, healthChecks)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
		broadcaster.Stop()
		cancel()
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-shutdownDone
	slog.Info("Shutdown complete")
	return nil
}
