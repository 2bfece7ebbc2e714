// Package ops exposes the read-only operational HTTP API: the statistics
// snapshot, channel member counts, and the connection list, for dashboards
// and CLIs.
package ops

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/src/hub"
)

// API serves hub statistics over HTTP.
type API struct {
	app    *fiber.App
	hub    *hub.Hub
	addr   string
	logger zerolog.Logger
}

// New builds the API around a hub. Call Start to begin serving.
func New(h *hub.Hub, addr string, logger zerolog.Logger) *API {
	api := &API{
		app:    fiber.New(),
		hub:    h,
		addr:   addr,
		logger: logger.With().Str("component", "ops").Logger(),
	}

	api.app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	api.app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(api.hub.Snapshot())
	})
	api.app.Get("/channels", func(c fiber.Ctx) error {
		return c.JSON(api.hub.Channels())
	})
	api.app.Get("/connections", func(c fiber.Ctx) error {
		return c.JSON(api.hub.Connections())
	})
	return api
}

// App exposes the underlying fiber app for in-process testing.
func (a *API) App() *fiber.App { return a.app }

// Start serves the API in a background goroutine.
func (a *API) Start() {
	go func() {
		a.logger.Info().Str("addr", a.addr).Msg("ops api listening")
		if err := a.app.Listen(a.addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			a.logger.Error().Err(err).Msg("ops api stopped")
		}
	}()
}

// Stop shuts the API down.
func (a *API) Stop(ctx context.Context) error {
	return a.app.ShutdownWithContext(ctx)
}
