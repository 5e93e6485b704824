package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/adapter/mock"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type dlqCapture struct {
	mu      sync.Mutex
	records []models.DLQRecord
}

func (c *dlqCapture) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *dlqCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

type fixture struct {
	orch    *Orchestrator
	reg     *registry.Registry
	track   *tracker.Tracker
	clock   *fakeClock
	dlq     *dlqCapture
	mocksMu sync.Mutex
	mocks   map[string]*mock.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	dlq := &dlqCapture{}
	f := &fixture{
		reg:   registry.New(zerolog.Nop()),
		track: tracker.New(zerolog.Nop(), tracker.WithDLQPublisher(dlq), tracker.WithClock(clock.Now)),
		clock: clock,
		dlq:   dlq,
		mocks: make(map[string]*mock.Adapter),
	}

	orch, err := New(Config{
		DefaultRetryCount: 2,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		UrgentBaseBackoff: time.Millisecond,
	}, Dependencies{
		Registry: f.reg,
		Tracker:  f.track,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) addAdapter(t *testing.T, channel models.ChannelType, opts ...mock.Option) *mock.Adapter {
	t.Helper()
	opts = append(opts, mock.WithClock(f.clock.Now))
	a := mock.New(channel, zerolog.Nop(), opts...)
	id := "mock-" + string(channel)
	if err := f.reg.Register(context.Background(), a, adapter.Configuration{AdapterID: id}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	f.mocksMu.Lock()
	f.mocks[id] = a
	f.mocksMu.Unlock()
	return a
}

func smsMessage(id string) *models.Message {
	return &models.Message{
		MessageID: id,
		Type:      models.TypeText,
		Content:   models.Content{Body: "visit confirmed"},
		Sender:    models.Sender{UserID: "carer-9"},
		Recipient: models.Recipient{
			UserID:            "family-3",
			ChannelType:       models.ChannelSMS,
			ChannelIdentifier: "+447700900123",
			AltIdentifiers: map[models.ChannelType]string{
				models.ChannelEmail: "family3@example.com",
			},
		},
		Metadata: models.Metadata{Category: models.CategoryCareUpdate},
		Priority: models.PriorityNormal,
	}
}

func TestDeliverSuccess(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	res, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !res.Success || res.Status != models.StatusSent {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ExternalMessageID == "" {
		t.Fatalf("expected platform message id")
	}
	if a.SendCalls() != 1 {
		t.Fatalf("expected 1 send, got %d", a.SendCalls())
	}

	rec, err := f.track.Record("msg-1", "family-3|sms")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Status != models.StatusSent || len(rec.Attempts) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	first, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	second, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	if second.ExternalMessageID != first.ExternalMessageID {
		t.Fatalf("resubmission must return the original result")
	}
	if a.SendCalls() != 1 {
		t.Fatalf("resubmission must not re-dispatch, got %d sends", a.SendCalls())
	}
}

func TestDeliverRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS, mock.WithScenario(mock.ScenarioRetryable))

	res, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure after exhausting retries")
	}
	// retryCount 2 means 3 attempts on the same adapter.
	if a.SendCalls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.SendCalls())
	}
	if len(res.Attempts) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", len(res.Attempts))
	}
	if f.dlq.count() != 1 {
		t.Fatalf("exhausted delivery must dead-letter once, got %d", f.dlq.count())
	}
}

func TestDeliverPermanentErrorSkipsRetry(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS, mock.WithScenario(mock.ScenarioPermanent))

	res, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if a.SendCalls() != 1 {
		t.Fatalf("permanent errors must not retry, got %d sends", a.SendCalls())
	}
}

func TestDeliverFallsBackAcrossChannels(t *testing.T) {
	f := newFixture(t)
	sms := f.addAdapter(t, models.ChannelSMS, mock.WithScenario(mock.ScenarioPermanent))
	email := f.addAdapter(t, models.ChannelEmail)

	msg := smsMessage("msg-1")
	msg.DeliveryOptions = &models.DeliveryOptions{
		FallbackChannels: []models.ChannelType{models.ChannelEmail},
	}

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected fallback success, got %+v", res.Error)
	}
	if res.Channel != models.ChannelEmail {
		t.Fatalf("expected delivery on email, got %s", res.Channel)
	}
	if sms.SendCalls() != 1 || email.SendCalls() != 1 {
		t.Fatalf("expected one attempt per channel, got sms=%d email=%d", sms.SendCalls(), email.SendCalls())
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("expected attempts from both channels, got %d", len(res.Attempts))
	}
}

func TestDeliverExhaustsAllChannels(t *testing.T) {
	f := newFixture(t)
	f.addAdapter(t, models.ChannelSMS, mock.WithScenario(mock.ScenarioPermanent))
	f.addAdapter(t, models.ChannelEmail, mock.WithScenario(mock.ScenarioPermanent))

	msg := smsMessage("msg-1")
	msg.DeliveryOptions = &models.DeliveryOptions{
		FallbackChannels: []models.ChannelType{models.ChannelEmail},
	}

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success || res.Status != models.StatusFailed {
		t.Fatalf("expected terminal failure, got %+v", res)
	}
	if f.dlq.count() != 1 {
		t.Fatalf("expected one dlq record, got %d", f.dlq.count())
	}
}

func TestDeliverNoAdapterSuggestsFallback(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Deliver(context.Background(), smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure with no adapters registered")
	}
	if res.Error == nil || res.Error.Code != adapter.CodeNoAdapter {
		t.Fatalf("expected no_adapter error, got %+v", res.Error)
	}
	if res.Error.SuggestedFallback != models.ChannelSMS {
		t.Fatalf("expected unattempted channel suggestion, got %q", res.Error.SuggestedFallback)
	}
}

func TestDeliverInvalidRecipientFailsFast(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	msg.Recipient.ChannelIdentifier = "not-a-number"

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure for invalid recipient")
	}
	if a.SendCalls() != 0 {
		t.Fatalf("invalid recipient must never reach the adapter")
	}
	if len(res.Attempts) != 0 {
		t.Fatalf("invalid recipient must not record attempts, got %d", len(res.Attempts))
	}
}

func TestDeliverExpiredMessage(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	expired := f.clock.Now().Add(-time.Hour)
	msg.Metadata.ExpiresAt = &expired

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Code != adapter.CodeExpired {
		t.Fatalf("expected expired failure, got %+v", res)
	}
	if a.SendCalls() != 0 {
		t.Fatalf("expired message must not be dispatched")
	}
}

func TestDeliverSuppressedByOptOut(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	ctx := context.Background()
	f.track.Open(ctx, "earlier", "family-3", models.ChannelSMS)
	if _, err := f.track.Transition(ctx, "earlier", "family-3", models.StatusOptedOut, "", ""); err != nil {
		t.Fatalf("seed opt-out: %v", err)
	}

	res, err := f.orch.Deliver(ctx, smsMessage("msg-1"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Success || res.Status != models.StatusOptedOut {
		t.Fatalf("expected opted_out result, got %+v", res)
	}
	if a.SendCalls() != 0 {
		t.Fatalf("suppressed channel must never be dispatched")
	}
	if f.dlq.count() != 0 {
		t.Fatalf("opt-outs must not dead-letter")
	}
}

func TestDeliverSchedulesFutureMessages(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	at := f.clock.Now().Add(time.Hour)
	msg.DeliveryOptions = &models.DeliveryOptions{ScheduleFor: &at}

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !res.Scheduled || res.Status != models.StatusQueued {
		t.Fatalf("expected scheduled queued result, got %+v", res)
	}
	if a.SendCalls() != 0 {
		t.Fatalf("scheduled message must not dispatch immediately")
	}
	if f.orch.ScheduledCount() != 1 {
		t.Fatalf("expected 1 parked message, got %d", f.orch.ScheduledCount())
	}
}

func TestSweepDispatchesDueMessages(t *testing.T) {
	f := newFixture(t)
	f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	at := f.clock.Now().Add(time.Hour)
	msg.DeliveryOptions = &models.DeliveryOptions{ScheduleFor: &at}

	if _, err := f.orch.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	f.orch.Sweep(context.Background())
	if f.orch.ScheduledCount() != 1 {
		t.Fatalf("early sweep must not dispatch")
	}

	f.clock.Advance(2 * time.Hour)
	f.orch.Sweep(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		if res, ok := f.track.Result("msg-1", "family-3|sms"); ok {
			if !res.Success {
				t.Fatalf("expected successful dispatch, got %+v", res)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("swept message was never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.orch.ScheduledCount() != 0 {
		t.Fatalf("dispatched message must leave the schedule")
	}
}

func TestCancelScheduledMessage(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	at := f.clock.Now().Add(time.Hour)
	msg.DeliveryOptions = &models.DeliveryOptions{ScheduleFor: &at}

	if _, err := f.orch.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if !f.orch.Cancel(context.Background(), "msg-1") {
		t.Fatalf("expected cancellation of parked message")
	}
	if f.orch.Cancel(context.Background(), "msg-1") {
		t.Fatalf("second cancel must report nothing to cancel")
	}

	res, ok := f.track.Result("msg-1", "family-3|sms")
	if !ok || res.Success || res.Error == nil || res.Error.Code != adapter.CodeCancelled {
		t.Fatalf("expected stored cancelled result, got %+v", res)
	}
	if f.dlq.count() != 0 {
		t.Fatalf("cancellations must not dead-letter")
	}

	f.clock.Advance(2 * time.Hour)
	f.orch.Sweep(context.Background())
	time.Sleep(20 * time.Millisecond)
	if a.SendCalls() != 0 {
		t.Fatalf("cancelled message must never dispatch")
	}
}

func TestDeliveryWindowParksUntilOpen(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	// Clock starts at 12:00; the window only opens at 18:00.
	msg := smsMessage("msg-1")
	msg.DeliveryOptions = &models.DeliveryOptions{
		DeliveryWindow: &models.DeliveryWindow{Start: "18:00", End: "20:00"},
	}

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !res.Scheduled {
		t.Fatalf("closed window must park the message")
	}
	if a.SendCalls() != 0 {
		t.Fatalf("parked message must not dispatch")
	}
}

func TestUrgentMessageBypassesDeliveryWindow(t *testing.T) {
	f := newFixture(t)
	a := f.addAdapter(t, models.ChannelSMS)

	msg := smsMessage("msg-1")
	msg.Metadata.Category = models.CategoryEmergency
	msg.DeliveryOptions = &models.DeliveryOptions{
		DeliveryWindow: &models.DeliveryWindow{Start: "18:00", End: "20:00"},
	}

	res, err := f.orch.Deliver(context.Background(), msg)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Scheduled || !res.Success {
		t.Fatalf("urgent message must dispatch immediately, got %+v", res)
	}
	if a.SendCalls() != 1 {
		t.Fatalf("expected immediate dispatch")
	}
}

func TestRefreshStatusPollsAdapter(t *testing.T) {
	f := newFixture(t)
	f.addAdapter(t, models.ChannelSMS)

	if _, err := f.orch.Deliver(context.Background(), smsMessage("msg-1")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// The mock platform reports delivered for every accepted message.
	status, err := f.orch.RefreshStatus(context.Background(), "msg-1", "family-3|sms")
	if err != nil {
		t.Fatalf("refresh status: %v", err)
	}
	if status != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", status)
	}

	rec, _ := f.track.Record("msg-1", "family-3|sms")
	if rec.Status != models.StatusDelivered {
		t.Fatalf("poll result must be applied to the record, got %s", rec.Status)
	}
}

func TestRefreshStatusUnknownMessage(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.RefreshStatus(context.Background(), "ghost", "family-3|sms"); err == nil {
		t.Fatalf("expected error for unknown message")
	}
}

func TestDeliverRejectsInvalidMessage(t *testing.T) {
	f := newFixture(t)
	msg := smsMessage("msg-1")
	msg.Type = ""
	if _, err := f.orch.Deliver(context.Background(), msg); err == nil {
		t.Fatalf("contract violations must surface as errors")
	}
}
