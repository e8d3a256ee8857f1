// Package bus wraps the RabbitMQ connection used by the gateway and the
// workers: one durable direct exchange, durable per-channel queues, and
// persistent publishes carrying the submission's priority header.
//
// Retry republishes are scheduled in-process with a timer before the
// original delivery is acked. A restart drops retries that were scheduled
// but not yet republished; a delayed-message exchange would close that
// window at the cost of a broker plugin.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeName = "notifications.direct"

	QueueEmail  = "email.queue"
	QueuePush   = "push.queue"
	QueueFailed = "failed.queue"

	KeyEmail       = "email"
	KeyPush        = "push"
	KeyFailed      = "failed"
	KeyUserCreated = "user.created"
)

type Bus struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex // amqp channels are not safe for concurrent publish
	logger *zap.Logger
}

func Connect(url string, logger *zap.Logger) (*Bus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "notification-gateway",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	b := &Bus{conn: conn, ch: ch, logger: logger}

	go func() {
		err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		if err != nil {
			logger.Error("RabbitMQ connection closed", zap.Error(err))
		} else {
			logger.Info("RabbitMQ connection closed")
		}
	}()

	logger.Info("connected to RabbitMQ")
	return b, nil
}

// DeclareTopology declares the exchange, the channel queues, and the
// failed queue, binding each queue by its routing key. Idempotent.
func (b *Bus) DeclareTopology() error {
	if err := b.ch.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	bindings := map[string]string{
		QueueEmail:  KeyEmail,
		QueuePush:   KeyPush,
		QueueFailed: KeyFailed,
	}

	for queue, key := range bindings {
		if _, err := b.ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}

		if err := b.ch.QueueBind(queue, key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}
	}

	return nil
}

// Publish sends a persistent message to the exchange under routingKey.
// The priority value is forwarded unchanged as a header.
func (b *Bus) Publish(ctx context.Context, routingKey string, body []byte, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.ch.PublishWithContext(ctx,
		ExchangeName,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{"priority": int32(priority)},
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	b.logger.Debug("published message",
		zap.String("routing_key", routingKey),
		zap.Int("priority", priority))

	return nil
}

// Consume opens a dedicated channel on the queue with the given prefetch.
// Deliveries require an explicit ack from the handler; unacked messages
// are redelivered by the broker on channel loss.
func (b *Bus) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack: handlers ack explicitly
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}

	b.logger.Info("consuming queue",
		zap.String("queue", queue),
		zap.Int("prefetch", prefetch))

	return deliveries, nil
}

func (b *Bus) HealthCheck(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("RabbitMQ connection closed")
	}
	return nil
}

func (b *Bus) Close() error {
	if err := b.ch.Close(); err != nil {
		b.logger.Warn("failed to close channel", zap.Error(err))
	}
	return b.conn.Close()
}
