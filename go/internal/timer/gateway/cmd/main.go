package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/timergate/go/internal/auth"
	"github.com/mcdev12/timergate/go/internal/timer"
	"github.com/mcdev12/timergate/go/internal/timer/gateway"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	cfg, err := loadConfig(os.Getenv("TIMERGATE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 30*time.Second)
	b, err := setupBackends(startupCtx, cfg)
	startupCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up backends")
	}
	defer b.Close()

	publisher := gateway.NewFanoutPublisher(b.bus, cfg.Fanout.Channel)
	timers := timer.NewService(b.store, b.repo, publisher, nil, cfg.Timer)

	gatewayService, err := gateway.NewService(cfg.gatewayConfig(), gateway.Dependencies{
		Verifier: auth.NewVerifier(cfg.Auth.Secret, nil),
		Store:    b.store,
		Bus:      b.bus,
		Timers:   timers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway service")
	}

	server := setupServer(cfg, gatewayService)

	log.Info().
		Str("port", cfg.Server.Port).
		Str("fanout", cfg.Fanout.Backend).
		Str("storage", cfg.Storage.Backend).
		Msg("starting timer gateway")

	// Start gateway service (fanout subscription)
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	// Start HTTP server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting new connections before closing the live ones
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("gateway service did not stop in time")
	}

	log.Info().Msg("timer gateway shutdown complete")
}

func setupLogging(cfg *Config) {
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
