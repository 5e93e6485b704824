package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/adapter/mock"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/tracker"
	"github.com/haventree/carecomms/internal/util"
)

// platformAdapter emits inbound messages carrying the platform's own id
// format rather than a canonical uuid.
type platformAdapter struct {
	channel models.ChannelType
}

func (p *platformAdapter) Initialize(context.Context, adapter.Configuration) error { return nil }

func (p *platformAdapter) SendMessage(context.Context, *models.Message) (*adapter.DeliveryResult, error) {
	return nil, errors.New("send unsupported")
}

func (p *platformAdapter) BroadcastMessage(context.Context, *models.Message, []models.Recipient) (*adapter.BroadcastResult, error) {
	return nil, errors.New("broadcast unsupported")
}

func (p *platformAdapter) ReceiveMessage(context.Context, []byte) (*models.IncomingMessage, error) {
	return &models.IncomingMessage{
		ID:   "wamid.HBgMNDQ3NzAwOTAwMTIz",
		Kind: models.IncomingMessageKind,
		From: "+447700900123",
		Type: models.TypeText,
	}, nil
}

func (p *platformAdapter) CheckDeliveryStatus(context.Context, string) (models.DeliveryStatus, error) {
	return models.StatusUnknown, errors.New("status unsupported")
}

func (p *platformAdapter) ValidateRecipient(context.Context, string) (bool, error) { return true, nil }

func (p *platformAdapter) HealthCheck(context.Context) (*adapter.HealthCheckResult, error) {
	return &adapter.HealthCheckResult{Healthy: true}, nil
}

func (p *platformAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{ChannelType: p.channel, SupportsTwoWay: true}
}

func (p *platformAdapter) Shutdown(context.Context) error { return nil }

type inboxCapture struct {
	mu       sync.Mutex
	messages []*models.IncomingMessage
	err      error
}

func (c *inboxCapture) PublishInbound(_ context.Context, msg *models.IncomingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, msg)
	return nil
}

func newNormalizer(t *testing.T, inbox InboxSink) (*Normalizer, *tracker.Tracker) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	a := mock.New(models.ChannelWhatsApp, zerolog.Nop())
	if err := reg.Register(context.Background(), a, adapter.Configuration{AdapterID: "mock-whatsapp"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	track := tracker.New(zerolog.Nop())
	n, err := New(reg, track, inbox, zerolog.Nop())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return n, track
}

func TestProcessRoutesReceiptToTracker(t *testing.T) {
	ctx := context.Background()
	n, track := newNormalizer(t, &inboxCapture{})

	track.Open(ctx, "msg-1", "family-3", models.ChannelWhatsApp)
	track.Transition(ctx, "msg-1", "family-3", models.StatusSent, "mock-whatsapp", "")

	payload := []byte(`{"kind":"receipt","message_id":"msg-1","recipient":"family-3","status":"delivered"}`)
	msg, err := n.Process(ctx, "mock-whatsapp", payload)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if msg.Kind != models.IncomingReceiptKind {
		t.Fatalf("expected receipt kind, got %s", msg.Kind)
	}

	rec, err := track.Record("msg-1", "family-3")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != models.StatusDelivered {
		t.Fatalf("receipt must advance the record, got %s", rec.Status)
	}
}

func TestProcessDropsReceiptForUnknownMessage(t *testing.T) {
	n, _ := newNormalizer(t, &inboxCapture{})

	// At-least-once webhooks: unknown receipts are logged and dropped, the
	// platform is never asked to redeliver.
	payload := []byte(`{"kind":"receipt","message_id":"ghost","recipient":"family-3","status":"delivered"}`)
	if _, err := n.Process(context.Background(), "mock-whatsapp", payload); err != nil {
		t.Fatalf("unknown receipt must not error: %v", err)
	}
}

func TestProcessRoutesInboundMessageToInbox(t *testing.T) {
	inbox := &inboxCapture{}
	n, _ := newNormalizer(t, inbox)

	payload := []byte(`{"kind":"message","from":"+447700900123","body":"thanks for the update"}`)
	msg, err := n.Process(context.Background(), "mock-whatsapp", payload)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if msg.Kind != models.IncomingMessageKind {
		t.Fatalf("expected message kind, got %s", msg.Kind)
	}
	if msg.AdapterID != "mock-whatsapp" || msg.ChannelType != models.ChannelWhatsApp {
		t.Fatalf("canonical message missing adapter context: %+v", msg)
	}

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	if len(inbox.messages) != 1 || inbox.messages[0].Content.Body != "thanks for the update" {
		t.Fatalf("unexpected inbox contents: %+v", inbox.messages)
	}
}

func TestProcessInboxFailurePropagates(t *testing.T) {
	inbox := &inboxCapture{err: errors.New("broker down")}
	n, _ := newNormalizer(t, inbox)

	payload := []byte(`{"kind":"message","from":"+447700900123","body":"hello"}`)
	if _, err := n.Process(context.Background(), "mock-whatsapp", payload); err == nil {
		t.Fatalf("inbox failure must propagate so the platform retries")
	}
}

func TestProcessFailsClosedOnMalformedPayload(t *testing.T) {
	n, _ := newNormalizer(t, &inboxCapture{})

	cases := map[string][]byte{
		"empty body":      nil,
		"not json":        []byte("junk"),
		"unknown kind":    []byte(`{"kind":"mystery"}`),
		"receipt no id":   []byte(`{"kind":"receipt","status":"delivered"}`),
		"message no from": []byte(`{"kind":"message","body":"hi"}`),
	}
	for name, payload := range cases {
		if _, err := n.Process(context.Background(), "mock-whatsapp", payload); !errors.Is(err, ErrParse) {
			t.Fatalf("%s: expected ErrParse, got %v", name, err)
		}
	}
}

func TestProcessCanonicalisesMessageID(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	if err := reg.Register(context.Background(), &platformAdapter{channel: models.ChannelWhatsApp}, adapter.Configuration{AdapterID: "wa-live"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	n, err := New(reg, tracker.New(zerolog.Nop()), &inboxCapture{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}

	msg, err := n.Process(context.Background(), "wa-live", []byte(`{"platform":"payload"}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := util.ParseUUIDv4(msg.ID); err != nil {
		t.Fatalf("platform id must be replaced with a uuid, got %q: %v", msg.ID, err)
	}
}

func TestProcessUnknownAdapter(t *testing.T) {
	n, _ := newNormalizer(t, &inboxCapture{})

	payload := []byte(`{"kind":"message","from":"+447700900123"}`)
	if _, err := n.Process(context.Background(), "ghost-adapter", payload); !errors.Is(err, registry.ErrUnknownAdapter) {
		t.Fatalf("expected ErrUnknownAdapter, got %v", err)
	}
}
