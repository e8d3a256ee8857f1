package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notification-gateway/internal/breaker"
	"notification-gateway/internal/bus"
	"notification-gateway/internal/notifications"
	"notification-gateway/internal/status"
)

type fakeAck struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type published struct {
	routingKey string
	body       []byte
	priority   int
}

type fakePublisher struct {
	mu        sync.Mutex
	published []published
	onPublish func(routingKey string)
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, body []byte, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onPublish != nil {
		f.onPublish(routingKey)
	}
	f.published = append(f.published, published{routingKey, body, priority})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.published))
	copy(out, f.published)
	return out
}

type fakeAdapter struct {
	validateErr error
	sendErr     error
	mu          sync.Mutex
	sent        []string // rendered bodies
}

func (f *fakeAdapter) Channel() notifications.Channel { return notifications.ChannelEmail }

func (f *fakeAdapter) Validate(msg *notifications.EnqueuedMessage) error { return f.validateErr }

func (f *fakeAdapter) Send(ctx context.Context, msg *notifications.EnqueuedMessage, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return f.sendErr
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestPipeline(t *testing.T, adapter Adapter, pub Publisher) (*Pipeline, *status.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := status.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())

	brk := breaker.New(breaker.Settings{
		Name:                  "test",
		CallTimeout:           time.Second,
		ErrorThresholdPercent: 100,
		ResetTimeout:          time.Minute,
	}, zap.NewNop())

	p := New(zap.NewNop(), nil, store, pub, adapter, brk, 5, time.Hour)
	p.retryBase = time.Millisecond
	return p, store
}

func delivery(t *testing.T, ack *fakeAck, msg notifications.EnqueuedMessage) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func emailMessage(requestID string, attempts int) notifications.EnqueuedMessage {
	return notifications.EnqueuedMessage{
		NotificationRequest: notifications.NotificationRequest{
			NotificationType: notifications.ChannelEmail,
			UserID:           "u1",
			TemplateCode:     "welcome_v1",
			Variables:        map[string]any{"name": "Ada", "link": "https://x"},
			RequestID:        requestID,
			Metadata:         map[string]any{"email": "a@x"},
		},
		CreatedAt: time.Now().UTC(),
		Attempts:  attempts,
	}
}

func TestHappyPathDelivers(t *testing.T) {
	adapter := &fakeAdapter{}
	pub := &fakePublisher{}
	p, store := newTestPipeline(t, adapter, pub)

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 0)))

	if ack.acks != 1 {
		t.Errorf("expected exactly one ack, got %d", ack.acks)
	}
	if adapter.sendCount() != 1 {
		t.Fatalf("expected one send, got %d", adapter.sendCount())
	}
	if body := adapter.sent[0]; body == "" || !containsAll(body, "Ada", "https://x") {
		t.Errorf("rendered body missing variables: %q", body)
	}

	rec, ok, err := store.Get(context.Background(), notifications.WorkerKey(notifications.ChannelEmail, "r1"))
	if err != nil || !ok {
		t.Fatalf("expected delivered record, ok=%v err=%v", ok, err)
	}
	if rec.Status != notifications.StatusDelivered {
		t.Errorf("expected delivered, got %s", rec.Status)
	}
	if rec.SentAt == nil {
		t.Error("delivered record must carry sent_at")
	}
	if rec.NotificationID == "" {
		t.Error("notification_id must be minted at first worker touch")
	}
	if len(pub.all()) != 0 {
		t.Errorf("no republish expected on success, got %d", len(pub.all()))
	}
}

func TestDecodeFailureAcksAndDrops(t *testing.T) {
	adapter := &fakeAdapter{}
	pub := &fakePublisher{}
	p, _ := newTestPipeline(t, adapter, pub)

	ack := &fakeAck{}
	p.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	if ack.acks != 1 {
		t.Errorf("expected one ack, got %d", ack.acks)
	}
	if adapter.sendCount() != 0 {
		t.Error("structurally invalid message must not be sent")
	}
	if len(pub.all()) != 0 {
		t.Error("structurally invalid message must not be republished")
	}
}

func TestDuplicateFirstDeliveryShortCircuits(t *testing.T) {
	adapter := &fakeAdapter{}
	pub := &fakePublisher{}
	p, store := newTestPipeline(t, adapter, pub)

	key := notifications.WorkerKey(notifications.ChannelEmail, "r1")
	store.Put(context.Background(), key, &notifications.StatusRecord{
		NotificationID: "n1",
		Status:         notifications.StatusProcessing,
	}, time.Hour)

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 0)))

	if ack.acks != 1 {
		t.Errorf("expected one ack, got %d", ack.acks)
	}
	if adapter.sendCount() != 0 {
		t.Error("duplicate first delivery must not reach the backend")
	}
}

func TestRetryDeliveryProceedsPastProcessingRecord(t *testing.T) {
	adapter := &fakeAdapter{}
	pub := &fakePublisher{}
	p, store := newTestPipeline(t, adapter, pub)

	// A retry arrives with attempts > 0 while the prior attempt's
	// processing record is still present.
	key := notifications.WorkerKey(notifications.ChannelEmail, "r1")
	store.Put(context.Background(), key, &notifications.StatusRecord{
		NotificationID: "n1",
		Status:         notifications.StatusProcessing,
	}, time.Hour)

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 1)))

	if adapter.sendCount() != 1 {
		t.Fatalf("retry delivery must be processed, sends=%d", adapter.sendCount())
	}

	rec, _, _ := store.Get(context.Background(), key)
	if rec.Status != notifications.StatusDelivered {
		t.Errorf("expected delivered after retry, got %s", rec.Status)
	}
}

func TestTerminalRecordDropsRedelivery(t *testing.T) {
	adapter := &fakeAdapter{}
	pub := &fakePublisher{}
	p, store := newTestPipeline(t, adapter, pub)

	key := notifications.WorkerKey(notifications.ChannelEmail, "r1")
	now := time.Now().UTC()
	store.Put(context.Background(), key, &notifications.StatusRecord{
		NotificationID: "n1",
		Status:         notifications.StatusDelivered,
		SentAt:         &now,
	}, time.Hour)

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 2)))

	if adapter.sendCount() != 0 {
		t.Error("settled request must not be sent again")
	}
	if ack.acks != 1 {
		t.Errorf("expected one ack, got %d", ack.acks)
	}
}

func TestSendFailureSchedulesRetry(t *testing.T) {
	adapter := &fakeAdapter{sendErr: errors.New("smtp timeout")}
	pub := &fakePublisher{}
	p, _ := newTestPipeline(t, adapter, pub)

	ack := &fakeAck{}
	msg := emailMessage("r1", 0)
	msg.Priority = 3
	p.Handle(context.Background(), delivery(t, ack, msg))

	if ack.acks != 1 {
		t.Fatalf("original delivery must be acked, got %d acks", ack.acks)
	}

	// The republish timer is 1ms in tests; wait for it.
	deadline := time.After(time.Second)
	for len(pub.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a retry republish")
		case <-time.After(5 * time.Millisecond):
		}
	}

	got := pub.all()[0]
	if got.routingKey != string(notifications.ChannelEmail) {
		t.Errorf("retry must go to the channel's own routing key, got %q", got.routingKey)
	}
	if got.priority != 3 {
		t.Errorf("priority must be forwarded unchanged, got %d", got.priority)
	}

	var retried notifications.EnqueuedMessage
	if err := json.Unmarshal(got.body, &retried); err != nil {
		t.Fatal(err)
	}
	if retried.Attempts != 1 {
		t.Errorf("attempts must be incremented, got %d", retried.Attempts)
	}
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	adapter := &fakeAdapter{sendErr: errors.New("smtp unavailable")}
	pub := &fakePublisher{}
	p, store := newTestPipeline(t, adapter, pub)

	key := notifications.WorkerKey(notifications.ChannelEmail, "r1")

	// Dead-letter publish must precede the failed-status write.
	pub.onPublish = func(routingKey string) {
		if routingKey != bus.KeyFailed {
			return
		}
		rec, ok, _ := store.Get(context.Background(), key)
		if ok && rec.Status == notifications.StatusFailed {
			t.Error("failed status written before dead-letter publish")
		}
	}

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 4)))

	if ack.acks != 1 {
		t.Errorf("expected one ack, got %d", ack.acks)
	}

	pubs := pub.all()
	if len(pubs) != 1 || pubs[0].routingKey != bus.KeyFailed {
		t.Fatalf("expected a single dead-letter publish, got %+v", pubs)
	}

	var failed notifications.FailedRecord
	if err := json.Unmarshal(pubs[0].body, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Error == "" || failed.Attempts != 5 {
		t.Errorf("dead-letter record incomplete: %+v", failed)
	}

	rec, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected failed record, ok=%v err=%v", ok, err)
	}
	if rec.Status != notifications.StatusFailed {
		t.Errorf("expected failed status, got %s", rec.Status)
	}
	if rec.Error == "" || rec.FailedAt == nil {
		t.Errorf("failed record must carry error and failed_at: %+v", rec)
	}
}

func TestValidationFailureEntersRetryLadder(t *testing.T) {
	adapter := &fakeAdapter{validateErr: errors.New("push_token_missing")}
	pub := &fakePublisher{}
	p, _ := newTestPipeline(t, adapter, pub)

	ack := &fakeAck{}
	p.Handle(context.Background(), delivery(t, ack, emailMessage("r1", 0)))

	if adapter.sendCount() != 0 {
		t.Error("invalid recipient must not reach the backend")
	}
	if ack.acks != 1 {
		t.Errorf("expected one ack, got %d", ack.acks)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	p := &Pipeline{retryBase: 2 * time.Second}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, expected := range want {
		if got := p.retryDelay(i + 1); got != expected {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
