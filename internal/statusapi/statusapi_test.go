package statusapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/notifications"
	"notification-gateway/internal/status"
)

func newTestAPI(t *testing.T) (*fiber.App, *status.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := status.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	return New(zap.NewNop(), store, notifications.ChannelEmail), store
}

func TestStatusFound(t *testing.T) {
	app, store := newTestAPI(t)

	now := time.Now().UTC()
	store.Put(context.Background(),
		notifications.WorkerKey(notifications.ChannelEmail, "r1"),
		&notifications.StatusRecord{NotificationID: "n1", Status: notifications.StatusDelivered, SentAt: &now},
		time.Hour)

	resp, err := app.Test(httptest.NewRequest("GET", "/status/r1", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var env notifications.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if !env.Success {
		t.Error("envelope should report success")
	}
}

func TestStatusNotFound(t *testing.T) {
	app, _ := newTestAPI(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/status/missing", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var env notifications.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Success || env.Error == "" {
		t.Errorf("expected failure envelope, got %+v", env)
	}
}
