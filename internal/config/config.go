package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port        string `envconfig:"PORT" default:"8080"`
	ServicePort string `envconfig:"SERVICE_PORT" default:"8081"`

	// Infrastructure
	RabbitMQURL string `envconfig:"RABBITMQ_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`

	// Auth
	APIKey string `envconfig:"API_KEY" required:"true"`

	// Delivery
	IdempotencyTTLSeconds int `envconfig:"IDEMPOTENCY_TTL_SECONDS" default:"86400"`
	StatusTTLSeconds      int `envconfig:"STATUS_TTL_SECONDS" default:"86400"`
	MaxAttempts           int `envconfig:"MAX_ATTEMPTS" default:"5"`
	PrefetchCount         int `envconfig:"PREFETCH_COUNT" default:"10"`
	WorkerPoolSize        int `envconfig:"WORKER_POOL_SIZE" default:"5"`

	// Circuit breaker
	BreakerTimeout               time.Duration `envconfig:"BREAKER_TIMEOUT" default:"10s"`
	BreakerErrorThresholdPercent int           `envconfig:"BREAKER_ERROR_THRESHOLD_PERCENT" default:"60"`
	BreakerResetTimeout          time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`

	// Email channel
	SMTPHost  string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort  int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser  string `envconfig:"SMTP_USER"`
	SMTPPass  string `envconfig:"SMTP_PASS"`
	EmailFrom string `envconfig:"EMAIL_FROM" default:"no-reply@notifications.local"`

	// Push channel
	FirebaseProjectID   string `envconfig:"FIREBASE_PROJECT_ID"`
	FirebaseClientEmail string `envconfig:"FIREBASE_CLIENT_EMAIL"`
	FirebasePrivateKey  string `envconfig:"FIREBASE_PRIVATE_KEY"`
	PushGatewayURL      string `envconfig:"PUSH_GATEWAY_URL"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) StatusTTL() time.Duration {
	return time.Duration(c.StatusTTLSeconds) * time.Second
}
