package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authSvc *auth.Service,
) {
	SetupMiddleware(app, logger, metrics)

	// Health endpoints (no auth required)
	app.Get("/health", handlers.Health)
	app.Get("/readyz", handlers.Ready)

	// API v1 routes (all authenticated)
	v1 := app.Group("/api/v1", authSvc.RequireAPIKey())

	// Fixed paths first so "notifications" and "users" never match the
	// :channel parameter below.
	v1.Post("/notifications/", handlers.SubmitNotification)
	v1.Post("/users/", handlers.CreateUser)
	v1.Post("/:channel/status/", handlers.IngestStatus)
}
