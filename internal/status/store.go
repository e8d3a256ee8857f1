package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

// Store is the TTL'd key-value view of each request's lifecycle. Records
// are JSON-encoded StatusRecords; writes are visible to subsequent reads
// for the duration of the TTL.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.ConnMaxLifetime = 1 * time.Hour

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{rdb: client, logger: logger}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{rdb: client, logger: logger}
}

// Get returns the record at key, reporting absence without error.
func (s *Store) Get(ctx context.Context, key string) (*notifications.StatusRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read status record: %w", err)
	}

	var rec notifications.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode status record: %w", err)
	}
	return &rec, true, nil
}

// Put writes the record unconditionally, resetting the TTL.
func (s *Store) Put(ctx context.Context, key string, rec *notifications.StatusRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode status record: %w", err)
	}

	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	return nil
}

// PutIfAbsent atomically writes the record only when the key does not
// exist. This is the admission primitive used at ingress.
func (s *Store) PutIfAbsent(ctx context.Context, key string, rec *notifications.StatusRecord, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode status record: %w", err)
	}

	accepted, err := s.rdb.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write status record: %w", err)
	}
	return accepted, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
