// Package worker drives the per-channel delivery pipeline. One Pipeline
// instance binds to its channel queue and walks every delivery through
// decode, idempotency guard, recipient validation, rendering, the
// breaker-wrapped external send, and ack/retry/dead-letter. The two
// channels differ only in the adapter plugged in.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/bus"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/render"
	"notification-gateway/internal/status"
)

// Publisher is the republish handle handed into the pipeline, breaking
// the cycle between worker and bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, priority int) error
}

// Adapter is the channel-specific recipient check and send call.
type Adapter interface {
	Channel() notifications.Channel
	Validate(msg *notifications.EnqueuedMessage) error
	Send(ctx context.Context, msg *notifications.EnqueuedMessage, body string) error
}

const defaultRetryBase = 2 * time.Second

type Pipeline struct {
	logger    *zap.Logger
	metrics   *observability.Metrics
	store     *status.Store
	publisher Publisher
	adapter   Adapter
	breaker   *breaker.Breaker

	maxAttempts int
	statusTTL   time.Duration
	retryBase   time.Duration
}

func New(
	logger *zap.Logger,
	metrics *observability.Metrics,
	store *status.Store,
	publisher Publisher,
	adapter Adapter,
	brk *breaker.Breaker,
	maxAttempts int,
	statusTTL time.Duration,
) *Pipeline {
	return &Pipeline{
		logger:      logger,
		metrics:     metrics,
		store:       store,
		publisher:   publisher,
		adapter:     adapter,
		breaker:     brk,
		maxAttempts: maxAttempts,
		statusTTL:   statusTTL,
		retryBase:   defaultRetryBase,
	}
}

// Handle processes one delivery. Every path acks exactly once; per-message
// errors never propagate out.
func (p *Pipeline) Handle(ctx context.Context, d amqp.Delivery) {
	channel := p.adapter.Channel()

	var msg notifications.EnqueuedMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Structurally invalid payloads have no retry value.
		p.logger.Error("dropping undecodable message",
			zap.String("channel", string(channel)),
			zap.Error(err))
		p.ack(d)
		return
	}

	if msg.NotificationID == "" {
		msg.NotificationID = uuid.NewString()
	}
	if msg.Attempts < 0 {
		msg.Attempts = 0
	}

	key := notifications.WorkerKey(channel, msg.RequestID)

	rec, present, err := p.store.Get(ctx, key)
	if err != nil {
		p.fail(ctx, d, &msg, err)
		return
	}
	if present && (msg.Attempts == 0 || rec.Status.Terminal()) {
		// Duplicate ingress, or a redelivery of an already-settled request.
		p.logger.Info("skipping duplicate delivery",
			zap.String("channel", string(channel)),
			zap.String("request_id", msg.RequestID),
			zap.String("status", string(rec.Status)))
		p.ack(d)
		return
	}

	// The processing record must be durable before the external send so a
	// crash mid-send presents as processing, not absent.
	processing := &notifications.StatusRecord{
		NotificationID: msg.NotificationID,
		Status:         notifications.StatusProcessing,
	}
	if err := p.store.Put(ctx, key, processing, p.statusTTL); err != nil {
		p.fail(ctx, d, &msg, err)
		return
	}

	if err := p.adapter.Validate(&msg); err != nil {
		p.fail(ctx, d, &msg, err)
		return
	}

	body := render.Render(msg.TemplateCode, msg.Variables)

	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.adapter.Send(ctx, &msg, body)
	})
	if err != nil {
		if err == breaker.ErrBreakerOpen && p.metrics != nil {
			p.metrics.BreakerOpenTotal.WithLabelValues(string(channel)).Inc()
		}
		p.fail(ctx, d, &msg, err)
		return
	}

	now := time.Now().UTC()
	delivered := &notifications.StatusRecord{
		NotificationID: msg.NotificationID,
		Status:         notifications.StatusDelivered,
		SentAt:         &now,
	}
	if err := p.store.Put(ctx, key, delivered, p.statusTTL); err != nil {
		p.logger.Error("failed to record delivery",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
	}

	p.ack(d)

	if p.metrics != nil {
		p.metrics.NotificationsProcessedTotal.WithLabelValues(string(channel), "delivered").Inc()
	}

	p.logger.Info("notification delivered",
		zap.String("channel", string(channel)),
		zap.String("request_id", msg.RequestID),
		zap.String("notification_id", msg.NotificationID))
}

// fail classifies any delivery error: bump attempts, then either schedule
// an in-service retry or dead-letter the message.
func (p *Pipeline) fail(ctx context.Context, d amqp.Delivery, msg *notifications.EnqueuedMessage, cause error) {
	msg.Attempts++

	p.logger.Warn("delivery attempt failed",
		zap.String("channel", string(p.adapter.Channel())),
		zap.String("request_id", msg.RequestID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(cause))

	if msg.Attempts >= p.maxAttempts {
		p.deadLetter(ctx, d, msg, cause)
		return
	}

	p.scheduleRetry(msg)
	p.ack(d)

	if p.metrics != nil {
		p.metrics.RetryAttemptsTotal.WithLabelValues(string(p.adapter.Channel())).Inc()
	}
}

// scheduleRetry republishes the message to its own routing key after the
// backoff delay. The timer is started before the originating delivery is
// acked; the republished message is a new delivery under the same
// request_id.
func (p *Pipeline) scheduleRetry(msg *notifications.EnqueuedMessage) {
	delay := p.retryDelay(msg.Attempts)

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to encode retry message",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
		return
	}

	routingKey := string(p.adapter.Channel())

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C

		if err := p.publisher.Publish(context.Background(), routingKey, body, msg.Priority); err != nil {
			p.logger.Error("failed to republish retry",
				zap.String("request_id", msg.RequestID),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err))
		}
	}()

	p.logger.Info("retry scheduled",
		zap.String("request_id", msg.RequestID),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("delay", delay))
}

// retryDelay returns the backoff before the next delivery of a message
// that has failed `attempts` times: retryBase doubling per failure.
func (p *Pipeline) retryDelay(attempts int) time.Duration {
	return p.retryBase << (attempts - 1)
}

// deadLetter publishes the FailedRecord, writes the terminal failed
// status, then acks, strictly in that order.
func (p *Pipeline) deadLetter(ctx context.Context, d amqp.Delivery, msg *notifications.EnqueuedMessage, cause error) {
	channel := p.adapter.Channel()
	now := time.Now().UTC()

	failed := notifications.FailedRecord{
		EnqueuedMessage: *msg,
		Error:           cause.Error(),
		FailedAt:        now,
	}

	body, err := json.Marshal(failed)
	if err != nil {
		p.logger.Error("failed to encode dead-letter record",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
	} else if err := p.publisher.Publish(ctx, bus.KeyFailed, body, msg.Priority); err != nil {
		p.logger.Error("failed to publish dead-letter record",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
	}

	rec := &notifications.StatusRecord{
		NotificationID: msg.NotificationID,
		Status:         notifications.StatusFailed,
		Error:          cause.Error(),
		FailedAt:       &now,
	}
	if err := p.store.Put(ctx, notifications.WorkerKey(channel, msg.RequestID), rec, p.statusTTL); err != nil {
		p.logger.Error("failed to record permanent failure",
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
	}

	p.ack(d)

	if p.metrics != nil {
		p.metrics.NotificationsProcessedTotal.WithLabelValues(string(channel), "failed").Inc()
		p.metrics.DeadLetteredTotal.WithLabelValues(string(channel)).Inc()
	}

	p.logger.Warn("notification dead-lettered",
		zap.String("channel", string(channel)),
		zap.String("request_id", msg.RequestID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(cause))
}

func (p *Pipeline) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		p.logger.Error("failed to ack delivery", zap.Error(err))
	}
}
