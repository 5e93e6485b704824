// Package tracker owns the lifecycle state of every outbound message and
// applies status transitions reported by the orchestrator and by adapter
// webhooks. Transitions are idempotent and monotonic: duplicates are no-ops
// and regressions are logged as anomalies, never applied. Webhooks arrive
// at-least-once and out of order, so the transition function favours
// availability over fail-fast.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/models"
)

// ErrUnknownMessage is returned when no delivery record exists for a key.
var ErrUnknownMessage = errors.New("tracker: unknown message")

// StatusPublisher receives every applied transition, e.g. a Kafka status
// topic. Publishing is best-effort and never blocks delivery.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// DLQPublisher receives deliveries that exhausted every configured channel.
type DLQPublisher interface {
	PublishDLQ(ctx context.Context, record models.DLQRecord) error
}

// Tracker is process-wide shared state. Mutation is serialized behind one
// mutex; individual operations are map updates, so a single writer lock
// preserves the per-key single-writer discipline without per-key locks.
type Tracker struct {
	logger zerolog.Logger
	status StatusPublisher
	dlq    DLQPublisher
	now    func() time.Time

	mu        sync.Mutex
	records   map[string]*models.DeliveryRecord
	byMessage map[string][]string
	results   map[string]*adapter.DeliveryResult
	optOuts   map[string]struct{}
}

// Option customises the tracker.
type Option func(*Tracker)

// WithStatusPublisher attaches a status event sink.
func WithStatusPublisher(p StatusPublisher) Option {
	return func(t *Tracker) { t.status = p }
}

// WithDLQPublisher attaches a dead-letter sink.
func WithDLQPublisher(p DLQPublisher) Option {
	return func(t *Tracker) { t.dlq = p }
}

// WithClock overrides the clock (useful in tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs a tracker.
func New(logger zerolog.Logger, opts ...Option) *Tracker {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	t := &Tracker{
		logger:    logger.With().Str("component", "status_tracker").Logger(),
		now:       time.Now,
		records:   make(map[string]*models.DeliveryRecord),
		byMessage: make(map[string][]string),
		results:   make(map[string]*adapter.DeliveryResult),
		optOuts:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func recordKey(messageID, recipientKey string) string {
	return messageID + "|" + recipientKey
}

// optOutKey scopes suppression to the logical user. Recipient keys are
// channel-qualified ("user|channel"), but an opt-out binds the user to the
// opted-out channel no matter which recipient record reported it.
func optOutKey(recipientKey string, channel models.ChannelType) string {
	if i := strings.IndexByte(recipientKey, '|'); i >= 0 {
		recipientKey = recipientKey[:i]
	}
	return recipientKey + "|" + string(channel)
}

// Open creates the QUEUED delivery record for a message/recipient pair. If a
// record already exists it is returned unchanged.
func (t *Tracker) Open(ctx context.Context, messageID, recipientKey string, channel models.ChannelType) *models.DeliveryRecord {
	key := recordKey(messageID, recipientKey)

	t.mu.Lock()
	if rec, ok := t.records[key]; ok {
		snapshot := cloneRecord(rec)
		t.mu.Unlock()
		return snapshot
	}
	now := t.now()
	rec := &models.DeliveryRecord{
		MessageID:    messageID,
		RecipientKey: recipientKey,
		Channel:      channel,
		Status:       models.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.records[key] = rec
	t.byMessage[messageID] = append(t.byMessage[messageID], key)
	snapshot := cloneRecord(rec)
	t.mu.Unlock()

	t.publishStatus(ctx, models.StatusEvent{
		MessageID:    messageID,
		RecipientKey: recipientKey,
		Channel:      channel,
		Status:       models.StatusQueued,
		Timestamp:    now,
	})
	return snapshot
}

// Transition applies a status change. Returns true when the transition was
// applied, false for idempotent no-ops. Regressions are rejected and logged
// as anomalies, not errors.
func (t *Tracker) Transition(ctx context.Context, messageID, recipientKey string, next models.DeliveryStatus, adapterID, errDetail string) (bool, error) {
	key := recordKey(messageID, recipientKey)

	t.mu.Lock()
	rec, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, key)
	}

	prev := rec.Status
	if next == prev {
		t.mu.Unlock()
		return false, nil
	}
	if !prev.CanAdvance(next) {
		t.mu.Unlock()
		event := t.logger.Warn().
			Str("message_id", messageID).
			Str("recipient", recipientKey).
			Str("from", string(prev)).
			Str("to", string(next))
		if prev.Regresses(next) {
			event.Msg("status regression rejected")
		} else {
			event.Msg("illegal status transition rejected")
		}
		return false, nil
	}

	now := t.now()
	rec.Status = next
	rec.UpdatedAt = now
	channel := rec.Channel
	if next == models.StatusOptedOut {
		t.optOuts[optOutKey(recipientKey, channel)] = struct{}{}
	}
	t.mu.Unlock()

	t.publishStatus(ctx, models.StatusEvent{
		MessageID:    messageID,
		RecipientKey: recipientKey,
		Channel:      channel,
		Status:       next,
		Previous:     prev,
		AdapterID:    adapterID,
		Error:        errDetail,
		Timestamp:    now,
	})
	return true, nil
}

// RecordAttempt appends one adapter consultation to the delivery record.
func (t *Tracker) RecordAttempt(messageID, recipientKey string, attempt models.Attempt) error {
	key := recordKey(messageID, recipientKey)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, key)
	}
	rec.Attempts = append(rec.Attempts, attempt)
	rec.UpdatedAt = t.now()
	return nil
}

// SetExternalID stores the platform-assigned message identifier.
func (t *Tracker) SetExternalID(messageID, recipientKey, externalID string) error {
	key := recordKey(messageID, recipientKey)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, key)
	}
	rec.ExternalMessageID = externalID
	return nil
}

// Record returns a snapshot of the delivery record for a pair.
func (t *Tracker) Record(messageID, recipientKey string) (*models.DeliveryRecord, error) {
	key := recordKey(messageID, recipientKey)
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, key)
	}
	return cloneRecord(rec), nil
}

// RecordsForMessage returns snapshots of every recipient record for a
// message ID (one for single sends, N for broadcasts).
func (t *Tracker) RecordsForMessage(messageID string) []*models.DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.byMessage[messageID]
	out := make([]*models.DeliveryRecord, 0, len(keys))
	for _, key := range keys {
		if rec, ok := t.records[key]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// StoreResult saves the terminal outcome for idempotent resubmission.
func (t *Tracker) StoreResult(messageID, recipientKey string, res *adapter.DeliveryResult) {
	if res == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[recordKey(messageID, recipientKey)] = res
}

// Result returns a previously stored terminal outcome.
func (t *Tracker) Result(messageID, recipientKey string) (*adapter.DeliveryResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.results[recordKey(messageID, recipientKey)]
	return res, ok
}

// ApplyReceipt applies a delivery receipt reported through an adapter
// webhook. Receipts missing a recipient key apply to the message's single
// recipient record; ambiguous receipts are rejected.
func (t *Tracker) ApplyReceipt(ctx context.Context, receipt *models.DeliveryReceipt) error {
	if receipt == nil {
		return errors.New("tracker: receipt is required")
	}

	recipientKey := receipt.RecipientKey
	if recipientKey == "" {
		t.mu.Lock()
		keys := t.byMessage[receipt.MessageID]
		if len(keys) == 1 {
			if rec, ok := t.records[keys[0]]; ok {
				recipientKey = rec.RecipientKey
			}
		}
		t.mu.Unlock()
		if recipientKey == "" {
			return fmt.Errorf("tracker: receipt for %q does not identify a recipient", receipt.MessageID)
		}
	}

	_, err := t.Transition(ctx, receipt.MessageID, recipientKey, receipt.Status, "", "")
	return err
}

// Suppressed reports whether the recipient opted out of the channel.
// Consulted by the orchestrator before any dispatch on that channel.
func (t *Tracker) Suppressed(recipientKey string, channel models.ChannelType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.optOuts[optOutKey(recipientKey, channel)]
	return ok
}

// Reenable clears an opt-out flag, re-admitting the channel for the
// recipient.
func (t *Tracker) Reenable(recipientKey string, channel models.ChannelType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.optOuts, optOutKey(recipientKey, channel))
}

// PublishDLQ forwards an exhausted delivery to the dead-letter sink.
func (t *Tracker) PublishDLQ(ctx context.Context, record models.DLQRecord) {
	if t.dlq == nil {
		return
	}
	if err := t.dlq.PublishDLQ(ctx, record); err != nil {
		t.logger.Error().
			Str("message_id", record.MessageID).
			Err(err).
			Msg("failed to publish dlq record")
	}
}

func (t *Tracker) publishStatus(ctx context.Context, event models.StatusEvent) {
	if t.status == nil {
		return
	}
	if err := t.status.PublishStatus(ctx, event); err != nil {
		t.logger.Error().
			Str("message_id", event.MessageID).
			Str("status", string(event.Status)).
			Err(err).
			Msg("failed to publish status event")
	}
}

func cloneRecord(rec *models.DeliveryRecord) *models.DeliveryRecord {
	clone := *rec
	if len(rec.Attempts) > 0 {
		clone.Attempts = append([]models.Attempt(nil), rec.Attempts...)
	}
	return &clone
}
