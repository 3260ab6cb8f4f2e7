// Package web exposes the optional health and metrics endpoints of the
// directory service over HTTP.
package web

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/directoryd/internal/directory"
)

// App is the health listener around a running directory service.
type App struct {
	fiber *fiber.App
	svc   *directory.Service
}

// NewApp builds the listener; call Listen to serve.
func NewApp(svc *directory.Service) *App {
	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	a := &App{fiber: f, svc: svc}

	f.Get("/health", a.healthHandler)
	f.Get("/health/ready", a.readinessHandler)
	f.Get("/metrics", a.metricsHandler)

	return a
}

// Listen serves until the context is canceled.
func (a *App) Listen(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		if err := a.fiber.Shutdown(); err != nil {
			log.Error().Err(err).Msg("health listener shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("health listener started")

	return a.fiber.Listen(addr)
}

// Shutdown stops the listener.
func (a *App) Shutdown(_ context.Context) error {
	return a.fiber.Shutdown()
}
