// Package main provides the entry point for the embedded directory
// service. It initializes logging, parses configuration options, starts
// the directory core, and serves the optional health endpoint until a
// shutdown signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/directory"
	"github.com/netresearch/directoryd/internal/options"
	"github.com/netresearch/directoryd/internal/version"
	"github.com/netresearch/directoryd/internal/web"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("directoryd %s starting...", version.FormatVersion())

	opts, err := options.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	svc, err := directory.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start directory service")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	serverErr := make(chan error, 1)
	if opts.HealthAddr != "" {
		app := web.NewApp(svc)
		go func() {
			if err := app.Listen(ctx, opts.HealthAddr); err != nil {
				serverErr <- err
			}
		}()
	}

	// Wait for shutdown signal or listener error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Health listener error")
	}

	log.Info().Msg("Initiating graceful shutdown...")
	cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Shutdown() }()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
			os.Exit(1)
		}
	case <-time.After(shutdownTimeout):
		log.Error().Msg("Shutdown timed out")
		os.Exit(1)
	}

	log.Info().Msg("Graceful shutdown complete")
}
