// Package email adapts notification deliveries to an SMTP relay.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
)

// DefaultSubject is used when the submission carries no metadata.subject.
const DefaultSubject = "You have a new notification"

var ErrRecipientMissing = errors.New("email_recipient_missing")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Adapter validates email recipients and submits rendered messages over SMTP.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
}

func NewAdapter(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger}
}

func (a *Adapter) Channel() notifications.Channel {
	return notifications.ChannelEmail
}

// Validate requires a non-empty metadata.email recipient.
func (a *Adapter) Validate(msg *notifications.EnqueuedMessage) error {
	if msg.MetadataString("email") == "" {
		return ErrRecipientMissing
	}
	return nil
}

// Send submits the rendered body to the recipient. Subject falls back to
// DefaultSubject; the text part is derived by stripping tags from the html.
func (a *Adapter) Send(ctx context.Context, msg *notifications.EnqueuedMessage, body string) error {
	to := msg.MetadataString("email")

	subject := msg.MetadataString("subject")
	if subject == "" {
		subject = DefaultSubject
	}

	raw := buildMIME(a.cfg.From, to, subject, body, StripTags(body))

	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, a.cfg.From, []string{to}, raw); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}

	a.logger.Debug("email sent",
		zap.String("to", to),
		zap.String("notification_id", msg.NotificationID))

	return nil
}

const mimeBoundary = "np-alt-boundary"

func buildMIME(from, to, subject, html, text string) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(text)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)

	return []byte(b.String())
}

var (
	breakRe = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/h[1-6])\s*/?>`)
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	wsRe    = regexp.MustCompile(`[ \t]+`)
)

// StripTags derives the plain-text alternative from an html body.
func StripTags(html string) string {
	text := breakRe.ReplaceAllString(html, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = wsRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return strings.Join(out, "\n")
}
