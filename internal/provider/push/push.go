// Package push adapts notification deliveries to a mobile push gateway.
// The gateway responds with a per-device results array; any error entry
// fails the whole call with the first error's message.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/jwt"

	"notification-gateway/internal/notifications"
)

const (
	defaultEndpoint = "https://fcm.googleapis.com/fcm/send"
	tokenURL        = "https://oauth2.googleapis.com/token"
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"

	// minTokenLength rejects obviously malformed device tokens before
	// the gateway is contacted.
	minTokenLength = 10
)

var (
	ErrTokenMissing = errors.New("push_token_missing")
	ErrTokenInvalid = errors.New("push_token_invalid")
)

type Config struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string // newline-escaped PEM
	GatewayURL  string // overrides the default endpoint; used by tests
}

type payload struct {
	To           string         `json:"to"`
	Notification *note          `json:"notification,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type note struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

type response struct {
	Success int      `json:"success"`
	Failure int      `json:"failure"`
	Results []result `json:"results"`
}

type result struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Adapter validates device tokens and submits rendered notifications to
// the push gateway.
type Adapter struct {
	client   *http.Client
	endpoint string
	logger   *zap.Logger
}

func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	endpoint := cfg.GatewayURL
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.ClientEmail != "" && cfg.PrivateKey != "" {
		conf := &jwt.Config{
			Email:      cfg.ClientEmail,
			PrivateKey: []byte(strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")),
			Scopes:     []string{messagingScope},
			TokenURL:   tokenURL,
		}
		client = conf.Client(context.Background())
		client.Timeout = 15 * time.Second
	}

	return &Adapter{client: client, endpoint: endpoint, logger: logger}
}

func (a *Adapter) Channel() notifications.Channel {
	return notifications.ChannelPush
}

// Validate requires a metadata.push_token string of plausible length.
func (a *Adapter) Validate(msg *notifications.EnqueuedMessage) error {
	token := msg.MetadataString("push_token")
	if token == "" {
		return ErrTokenMissing
	}
	if len(token) < minTokenLength {
		return ErrTokenInvalid
	}
	return nil
}

// Send posts the notification to the gateway. Title, body and image come
// from metadata when present; the rendered template body is the fallback.
func (a *Adapter) Send(ctx context.Context, msg *notifications.EnqueuedMessage, body string) error {
	token := msg.MetadataString("push_token")

	n := &note{
		Title: msg.MetadataString("title"),
		Body:  msg.MetadataString("body"),
		Image: msg.MetadataString("image_url"),
	}
	if n.Body == "" {
		n.Body = body
	}

	var data map[string]any
	if raw, ok := msg.Metadata["data"].(map[string]any); ok {
		data = raw
	}

	reqBody, err := json.Marshal(payload{To: token, Notification: n, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode push response: %w", err)
	}

	for _, r := range parsed.Results {
		if r.Error != "" {
			return fmt.Errorf("push delivery failed: %s", r.Error)
		}
	}

	a.logger.Debug("push sent",
		zap.String("notification_id", msg.NotificationID))

	return nil
}
