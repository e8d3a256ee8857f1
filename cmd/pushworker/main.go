package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/bus"
	"notification-gateway/internal/config"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/provider/push"
	"notification-gateway/internal/status"
	"notification-gateway/internal/statusapi"
	"notification-gateway/internal/worker"
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

	logger.Info("starting push worker",
		zap.String("log_level", cfg.LogLevel))

	// Setup OpenTelemetry
	otelCleanup, err := observability.SetupOpenTelemetry("push-worker", logger)
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

	// Closed explicitly during shutdown to end the delivery stream.
	messageBus, err := bus.Connect(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}

	if err := messageBus.DeclareTopology(); err != nil {
		logger.Fatal("failed to declare bus topology", zap.Error(err))
	}

	// Channel adapter behind its circuit breaker
	adapter := push.NewAdapter(push.Config{
		ProjectID:   cfg.FirebaseProjectID,
		ClientEmail: cfg.FirebaseClientEmail,
		PrivateKey:  cfg.FirebasePrivateKey,
		GatewayURL:  cfg.PushGatewayURL,
	}, logger)

	brk := breaker.New(breaker.Settings{
		Name:                  "push-gateway",
		CallTimeout:           cfg.BreakerTimeout,
		ErrorThresholdPercent: cfg.BreakerErrorThresholdPercent,
		ResetTimeout:          cfg.BreakerResetTimeout,
	}, logger)

	pipeline := worker.New(
		logger,
		metrics,
		store,
		messageBus,
		adapter,
		brk,
		cfg.MaxAttempts,
		cfg.StatusTTL(),
	)

	// Worker pool draining the channel queue
	deliveries, err := messageBus.Consume(bus.QueuePush, cfg.PrefetchCount)
	if err != nil {
		logger.Fatal("failed to consume push queue", zap.Error(err))
	}

	jobChan := make(chan amqp.Delivery, 100)
	feederDone := make(chan struct{})

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		go func(workerID int) {
			logger.Info("worker started", zap.Int("worker_id", workerID))
			for d := range jobChan {
				jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				pipeline.Handle(jobCtx, d)
				cancel()
			}
		}(i)
	}

	go func() {
		defer close(feederDone)
		for d := range deliveries {
			jobChan <- d
		}
	}()

	// Status API
	statusApp := statusapi.New(logger, store, notifications.ChannelPush)
	go func() {
		if err := statusApp.Listen(":" + cfg.ServicePort); err != nil {
			logger.Fatal("failed to start status API", zap.Error(err))
		}
	}()

	logger.Info("push worker started, waiting for messages...",
		zap.String("status_port", cfg.ServicePort),
		zap.Int("pool_size", cfg.WorkerPoolSize))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down push worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusApp.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shutdown status API", zap.Error(err))
	}

	// Closing the bus ends the delivery stream; draining the feeder before
	// closing jobChan keeps the pool shutdown race-free. Unacked messages
	// are redelivered by the broker.
	messageBus.Close()
	<-feederDone
	close(jobChan)
	time.Sleep(5 * time.Second)

	logger.Info("push worker shutdown complete")
}
