// Package statusapi serves each worker's read-only status surface: the
// delivery state of requests handled on that worker's channel.
package statusapi

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/status"
)

func New(logger *zap.Logger, store *status.Store, channel notifications.Channel) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      string(channel) + "-worker-status",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(notifications.OK(fiber.Map{"status": "ok", "channel": string(channel)}, "healthy"))
	})

	app.Get("/status/:request_id", func(c *fiber.Ctx) error {
		requestID := c.Params("request_id")

		rec, present, err := store.Get(c.Context(), notifications.WorkerKey(channel, requestID))
		if err != nil {
			logger.Error("status lookup failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).
				JSON(notifications.Fail("status_store_unavailable", "internal error"))
		}
		if !present {
			return c.Status(fiber.StatusNotFound).
				JSON(notifications.Fail("not_found", "no status for request"))
		}

		return c.JSON(notifications.OK(rec, "status found"))
	})

	return app
}
