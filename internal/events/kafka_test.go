package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
)

type published struct {
	topic   string
	key     string
	payload []byte
}

type stubProducer struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (s *stubProducer) PublishSync(topic string, key []byte, _ map[string][]byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, published{topic: topic, key: string(key), payload: payload})
	return nil
}

func (s *stubProducer) last(t *testing.T) published {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatalf("nothing published")
	}
	return s.sent[len(s.sent)-1]
}

func TestKafkaStatusPublisher(t *testing.T) {
	prod := &stubProducer{}
	p := NewKafkaStatusPublisher(prod, "delivery.status", zerolog.Nop())
	if p == nil {
		t.Fatalf("expected publisher")
	}

	event := models.StatusEvent{
		MessageID:    "msg-1",
		RecipientKey: "family-3",
		Channel:      models.ChannelSMS,
		Status:       models.StatusSent,
		Timestamp:    time.Now().UTC(),
	}
	if err := p.PublishStatus(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := prod.last(t)
	if got.topic != "delivery.status" || got.key != "msg-1" {
		t.Fatalf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}
	var decoded models.StatusEvent
	if err := json.Unmarshal(got.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Status != models.StatusSent || decoded.RecipientKey != "family-3" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestKafkaStatusPublisherNilWithoutProducer(t *testing.T) {
	if p := NewKafkaStatusPublisher(nil, "delivery.status", zerolog.Nop()); p != nil {
		t.Fatalf("expected nil publisher without producer")
	}
	if p := NewKafkaStatusPublisher(&stubProducer{}, "", zerolog.Nop()); p != nil {
		t.Fatalf("expected nil publisher without topic")
	}
}

func TestKafkaDLQPublisher(t *testing.T) {
	prod := &stubProducer{}
	p := NewKafkaDLQPublisher(prod, "delivery.dlq", zerolog.Nop())
	if p == nil {
		t.Fatalf("expected publisher")
	}

	record := models.DLQRecord{MessageID: "msg-1", RecipientKey: "family-3", Attempts: 4, LastError: "rate limited"}
	if err := p.PublishDLQ(context.Background(), record); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := prod.last(t)
	if got.topic != "delivery.dlq" || got.key != "msg-1" {
		t.Fatalf("unexpected routing: topic=%s key=%s", got.topic, got.key)
	}
	var decoded models.DLQRecord
	if err := json.Unmarshal(got.payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Attempts != 4 {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestKafkaDLQPublisherPropagatesBrokerError(t *testing.T) {
	prod := &stubProducer{err: errors.New("broker unavailable")}
	p := NewKafkaDLQPublisher(prod, "delivery.dlq", zerolog.Nop())
	if err := p.PublishDLQ(context.Background(), models.DLQRecord{MessageID: "msg-1"}); err == nil {
		t.Fatalf("expected broker error to propagate")
	}
}

func TestKafkaInboxPublisher(t *testing.T) {
	prod := &stubProducer{}
	p, err := NewKafkaInboxPublisher(prod, "messages.inbound", zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	msg := &models.IncomingMessage{
		ID:          "in-1",
		AdapterID:   "mock-whatsapp",
		ChannelType: models.ChannelWhatsApp,
		Kind:        models.IncomingMessageKind,
		From:        "+447700900123",
		Content:     models.Content{Body: "hello"},
	}
	if err := p.PublishInbound(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := prod.last(t)
	// Keyed by sender so one conversation stays ordered.
	if got.key != "+447700900123" {
		t.Fatalf("expected sender key, got %q", got.key)
	}

	if err := p.PublishInbound(context.Background(), nil); err == nil {
		t.Fatalf("nil message must be rejected")
	}
}

func TestLogInboxPublisher(t *testing.T) {
	p := NewLogInboxPublisher(zerolog.Nop())
	if err := p.PublishInbound(context.Background(), &models.IncomingMessage{ID: "in-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.PublishInbound(context.Background(), nil); err == nil {
		t.Fatalf("nil message must be rejected")
	}
}

func TestNewInboxPublisherFactory(t *testing.T) {
	if _, err := NewInboxPublisher("log", InboxOptions{}, zerolog.Nop()); err != nil {
		t.Fatalf("log backend: %v", err)
	}
	if _, err := NewInboxPublisher("", InboxOptions{}, zerolog.Nop()); err != nil {
		t.Fatalf("empty backend should default to log: %v", err)
	}
	if _, err := NewInboxPublisher("kafka", InboxOptions{Producer: &stubProducer{}, Topic: "messages.inbound"}, zerolog.Nop()); err != nil {
		t.Fatalf("kafka backend: %v", err)
	}
	if _, err := NewInboxPublisher("kafka", InboxOptions{}, zerolog.Nop()); err == nil {
		t.Fatalf("kafka backend without producer must fail")
	}
	if _, err := NewInboxPublisher("carrier-pigeon", InboxOptions{}, zerolog.Nop()); err == nil {
		t.Fatalf("unsupported backend must fail")
	}
}
