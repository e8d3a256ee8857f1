package auth

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"notification-gateway/internal/notifications"
)

// Service authenticates requests against the configured shared secret.
// Only the bcrypt hash of the secret is kept in memory.
type Service struct {
	keyHash []byte
	logger  *zap.Logger
}

func New(apiKey string, logger *zap.Logger) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	return &Service{keyHash: hash, logger: logger}, nil
}

// RequireAPIKey rejects requests whose x-api-key header does not match
// the configured secret.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("x-api-key")
		if key == "" || bcrypt.CompareHashAndPassword(s.keyHash, []byte(key)) != nil {
			return c.Status(fiber.StatusUnauthorized).
				JSON(notifications.Fail("unauthorized", "invalid API key"))
		}
		return c.Next()
	}
}
