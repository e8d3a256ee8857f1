package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-gateway/internal/api"
	"notification-gateway/internal/auth"
	"notification-gateway/internal/bus"
	"notification-gateway/internal/config"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/status"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Setup logger
	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting notification gateway",
		zap.String("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel))

	// Setup OpenTelemetry
	otelCleanup, err := observability.SetupOpenTelemetry("notification-gateway", logger)
	if err != nil {
		logger.Fatal("failed to initialize OpenTelemetry", zap.Error(err))
	}
	defer otelCleanup()

	// Setup metrics
	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()

	// Status store
	store, err := status.New(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer store.Close()

	// Message bus
	messageBus, err := bus.Connect(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer messageBus.Close()

	if err := messageBus.DeclareTopology(); err != nil {
		logger.Fatal("failed to declare bus topology", zap.Error(err))
	}

	// Auth
	authSvc, err := auth.New(cfg.APIKey, logger)
	if err != nil {
		logger.Fatal("failed to initialize auth", zap.Error(err))
	}

	// Handlers
	handlers := api.NewHandlers(
		logger,
		metrics,
		store,
		messageBus,
		messageBus,
		cfg.IdempotencyTTL(),
		cfg.StatusTTL(),
	)

	// App
	app := fiber.New(fiber.Config{
		AppName:      "notification-gateway",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).
				JSON(notifications.Fail("internal_error", "internal server error"))
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, authSvc)

	// Start server
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("notification gateway started", zap.String("port", cfg.Port))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("notification gateway stopped")
}
