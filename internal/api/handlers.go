package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"notification-gateway/internal/bus"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/status"
)

// Publisher is the bus publish handle. Narrowed to an interface so tests
// can record publishes without a broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, priority int) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Handlers struct {
	logger         *zap.Logger
	metrics        *observability.Metrics
	store          *status.Store
	publisher      Publisher
	busHealth      HealthChecker
	idempotencyTTL time.Duration
	statusTTL      time.Duration
}

func NewHandlers(
	logger *zap.Logger,
	metrics *observability.Metrics,
	store *status.Store,
	publisher Publisher,
	busHealth HealthChecker,
	idempotencyTTL time.Duration,
	statusTTL time.Duration,
) *Handlers {
	return &Handlers{
		logger:         logger,
		metrics:        metrics,
		store:          store,
		publisher:      publisher,
		busHealth:      busHealth,
		idempotencyTTL: idempotencyTTL,
		statusTTL:      statusTTL,
	}
}

// SubmitNotification handles POST /api/v1/notifications/. Admission is
// atomic on the request_id key, so replays and concurrent duplicates get
// the stored record back instead of a second enqueue.
func (h *Handlers) SubmitNotification(c *fiber.Ctx) error {
	var req notifications.NotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("invalid_body", "request body is not valid JSON"))
	}

	if err := validatePayload(&req); err != "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail(err, "validation failed"))
	}

	key := notifications.GatewayKey(req.RequestID)
	pending := &notifications.StatusRecord{Status: notifications.StatusPending}

	// Atomic admission: the losing side of a concurrent first submission
	// observes the winner's record and short-circuits without publishing.
	accepted, err := h.store.PutIfAbsent(c.Context(), key, pending, h.idempotencyTTL)
	if err != nil {
		h.logger.Error("status store admission failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("status_store_unavailable", "internal error"))
	}

	if !accepted {
		rec, _, err := h.store.Get(c.Context(), key)
		if err != nil {
			h.logger.Error("failed to read duplicate record", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).
				JSON(notifications.Fail("status_store_unavailable", "internal error"))
		}
		return c.Status(fiber.StatusOK).
			JSON(notifications.OK(rec, "duplicate_request"))
	}

	msg := notifications.EnqueuedMessage{
		NotificationRequest: req,
		CreatedAt:           time.Now().UTC(),
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("encode_failed", "internal error"))
	}

	if err := h.publisher.Publish(c.Context(), string(req.NotificationType), body, req.Priority); err != nil {
		h.logger.Error("failed to publish notification",
			zap.String("request_id", req.RequestID),
			zap.Error(err))

		failed := &notifications.StatusRecord{
			Status: notifications.StatusFailed,
			Error:  err.Error(),
		}
		if err := h.store.Put(c.Context(), key, failed, h.idempotencyTTL); err != nil {
			h.logger.Error("failed to record publish failure", zap.Error(err))
		}

		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("publish_failed", "failed to queue notification"))
	}

	if h.metrics != nil {
		h.metrics.NotificationsAcceptedTotal.WithLabelValues(string(req.NotificationType)).Inc()
	}

	h.logger.Info("notification accepted",
		zap.String("request_id", req.RequestID),
		zap.String("channel", string(req.NotificationType)))

	return c.Status(fiber.StatusAccepted).
		JSON(notifications.OK(fiber.Map{"request_id": req.RequestID}, "accepted"))
}

func validatePayload(req *notifications.NotificationRequest) string {
	switch {
	case !notifications.ValidChannel(string(req.NotificationType)):
		return "invalid_notification_type"
	case req.UserID == "":
		return "user_id_required"
	case req.TemplateCode == "":
		return "template_code_required"
	case req.Variables == nil:
		return "variables_required"
	case req.RequestID == "":
		return "request_id_required"
	case req.Priority < 0:
		return "priority_must_be_non_negative"
	}
	return ""
}

// CreateUser handles POST /api/v1/users/. The gateway is only an
// out-of-band producer here: publish and forget, no idempotency guard.
func (h *Handlers) CreateUser(c *fiber.Ctx) error {
	var req notifications.UserPayload
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("invalid_body", "request body is not valid JSON"))
	}

	if req.UserID == "" || req.Email == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("user_id_and_email_required", "validation failed"))
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("encode_failed", "internal error"))
	}

	if err := h.publisher.Publish(c.Context(), bus.KeyUserCreated, body, 0); err != nil {
		h.logger.Error("failed to publish user event", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("publish_failed", "failed to publish user event"))
	}

	return c.Status(fiber.StatusAccepted).
		JSON(notifications.OK(fiber.Map{"user_id": req.UserID}, "accepted"))
}

// IngestStatus handles POST /api/v1/:channel/status/. Externally
// reported delivery outcomes land under their own key family.
func (h *Handlers) IngestStatus(c *fiber.Ctx) error {
	channel := c.Params("channel")
	if !notifications.ValidChannel(channel) {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("invalid_channel", "channel must be email or push"))
	}

	var req notifications.StatusCallback
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("invalid_body", "request body is not valid JSON"))
	}

	if req.NotificationID == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("notification_id_required", "validation failed"))
	}

	switch req.Status {
	case notifications.StatusDelivered, notifications.StatusPending, notifications.StatusFailed:
	default:
		return c.Status(fiber.StatusBadRequest).
			JSON(notifications.Fail("invalid_status", "status must be delivered, pending or failed"))
	}

	rec := &notifications.StatusRecord{
		NotificationID: req.NotificationID,
		Status:         req.Status,
		Error:          req.Error,
	}

	key := notifications.CallbackKey(req.NotificationID)
	if err := h.store.Put(c.Context(), key, rec, h.statusTTL); err != nil {
		h.logger.Error("failed to store status callback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).
			JSON(notifications.Fail("status_store_unavailable", "internal error"))
	}

	h.logger.Info("status callback ingested",
		zap.String("channel", channel),
		zap.String("notification_id", req.NotificationID),
		zap.String("status", string(req.Status)))

	return c.Status(fiber.StatusOK).
		JSON(notifications.OK(rec, "status recorded"))
}

// Health handles GET /health
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(notifications.OK(fiber.Map{"status": "ok", "time": time.Now().Unix()}, "healthy"))
}

// Ready probes the status store and the bus connection.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).
			JSON(notifications.Fail("status_store_unavailable", "not ready"))
	}
	if h.busHealth != nil {
		if err := h.busHealth.HealthCheck(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).
				JSON(notifications.Fail("bus_unavailable", "not ready"))
		}
	}
	return c.JSON(notifications.OK(fiber.Map{"status": "ready"}, "ready"))
}
