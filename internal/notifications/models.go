package notifications

import (
	"fmt"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// ValidChannel reports whether s names a delivery channel.
func ValidChannel(s string) bool {
	return s == string(ChannelEmail) || s == string(ChannelPush)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// NotificationRequest is the canonical inbound entity. Variables and
// Metadata stay schema-less at the boundary; channel adapters validate
// the fields they need on access.
type NotificationRequest struct {
	NotificationType Channel        `json:"notification_type"`
	UserID           string         `json:"user_id"`
	TemplateCode     string         `json:"template_code"`
	Variables        map[string]any `json:"variables"`
	RequestID        string         `json:"request_id"`
	Priority         int            `json:"priority,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns the named metadata field when it is a string.
func (r *NotificationRequest) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// EnqueuedMessage is the bus payload: the request plus worker-maintained
// fields. Attempts is monotonically non-decreasing across republishes.
type EnqueuedMessage struct {
	NotificationRequest
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
	NotificationID string    `json:"notification_id,omitempty"`
}

// StatusRecord is the status store value for one request's lifecycle.
type StatusRecord struct {
	NotificationID string     `json:"notification_id,omitempty"`
	Status         Status     `json:"status"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	Error          string     `json:"error,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// FailedRecord is the dead-letter payload.
type FailedRecord struct {
	EnqueuedMessage
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// UserPayload is the out-of-band user.created event body.
type UserPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email"`
}

// StatusCallback is the externally ingested status update body.
type StatusCallback struct {
	NotificationID string `json:"notification_id"`
	Status         Status `json:"status"`
	Timestamp      string `json:"timestamp,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Status store key families. The gateway admission key and the worker
// idempotency key are distinct on purpose and never reconciled.

func GatewayKey(requestID string) string {
	return "idemp:" + requestID
}

func WorkerKey(channel Channel, requestID string) string {
	return fmt.Sprintf("%s:idempotency:%s", channel, requestID)
}

func CallbackKey(notificationID string) string {
	return "status:" + notificationID
}
