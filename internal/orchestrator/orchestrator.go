// Package orchestrator delivers one message to one recipient: adapter
// resolution, retries with backoff, cross-channel fallback, scheduling and
// idempotent resubmission.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/tracker"
)

// Config carries the delivery defaults applied when a message's
// DeliveryOptions leave them unset.
type Config struct {
	DefaultRetryCount int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	UrgentBaseBackoff time.Duration
	AdapterTimeout    time.Duration
	SweepInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultRetryCount <= 0 {
		c.DefaultRetryCount = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.UrgentBaseBackoff <= 0 {
		c.UrgentBaseBackoff = 250 * time.Millisecond
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
}

type scheduledMessage struct {
	msg     *models.Message
	readyAt time.Time
}

// Orchestrator resolves adapters, applies retry/backoff and cross-channel
// fallback for single-recipient deliveries, and records outcomes through the
// status tracker.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	tracker  *tracker.Tracker
	logger   zerolog.Logger
	now      func() time.Time

	// inFlight serializes attempts per (messageID, recipient) pair: no two
	// attempts for the same pair are ever concurrent.
	flightMu sync.Mutex
	inFlight map[string]*sync.Mutex

	schedMu   sync.Mutex
	scheduled map[string]*scheduledMessage

	randMu sync.Mutex
	rnd    *rand.Rand
}

// Dependencies collects the orchestrator's collaborators.
type Dependencies struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Logger   zerolog.Logger
	Now      func() time.Time
}

// New constructs an orchestrator, validating dependencies up front.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("orchestrator: registry dependency is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("orchestrator: tracker dependency is required")
	}
	cfg.applyDefaults()

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Orchestrator{
		cfg:       cfg,
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		now:       nowFunc,
		inFlight:  make(map[string]*sync.Mutex),
		scheduled: make(map[string]*scheduledMessage),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Deliver sends one message to its recipient. Expected failure modes come
// back inside the result with Success=false; a Go error is returned only for
// contract violations (invalid message).
func (o *Orchestrator) Deliver(ctx context.Context, msg *models.Message) (*adapter.DeliveryResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	rcptKey := msg.Recipient.Key()
	unlock := o.lockPair(msg.MessageID, rcptKey)
	defer unlock()

	// Idempotency: an already-terminal message returns the stored result
	// without re-dispatching.
	if res, ok := o.tracker.Result(msg.MessageID, rcptKey); ok {
		return res, nil
	}

	now := o.now()
	if msg.Expired(now) {
		o.tracker.Open(ctx, msg.MessageID, rcptKey, msg.Recipient.ChannelType)
		return o.finishFailed(ctx, msg, rcptKey, adapter.NewPermanent(adapter.CodeExpired, "message expired at %s", msg.Metadata.ExpiresAt.Format(time.RFC3339)), nil), nil
	}

	if readyAt, parked := o.parkTime(msg, now); parked {
		o.tracker.Open(ctx, msg.MessageID, rcptKey, msg.Recipient.ChannelType)
		o.park(msg, readyAt)
		return &adapter.DeliveryResult{
			MessageID:    msg.MessageID,
			RecipientKey: rcptKey,
			Success:      true,
			Status:       models.StatusQueued,
			Channel:      msg.Recipient.ChannelType,
			Scheduled:    true,
			Timestamp:    now,
		}, nil
	}

	return o.deliverNow(ctx, msg), nil
}

// parkTime decides whether the message must wait, and until when. Scheduling
// is cooperative: the sweep honours it, it is not a hard guarantee.
func (o *Orchestrator) parkTime(msg *models.Message, now time.Time) (time.Time, bool) {
	readyAt := now
	parked := false

	if opts := msg.DeliveryOptions; opts != nil {
		if opts.ScheduleFor != nil && opts.ScheduleFor.After(now) {
			readyAt = *opts.ScheduleFor
			parked = true
		}
		// Urgent safeguarding-class messages bypass the delivery window.
		if opts.DeliveryWindow != nil && !msg.Urgent() {
			if opens := opts.DeliveryWindow.NextOpen(readyAt); opens.After(readyAt) {
				readyAt = opens
				parked = true
			}
		}
	}
	return readyAt, parked
}

func (o *Orchestrator) park(msg *models.Message, readyAt time.Time) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	o.scheduled[msg.MessageID] = &scheduledMessage{msg: msg, readyAt: readyAt}
	o.logger.Info().
		Str("message_id", msg.MessageID).
		Time("ready_at", readyAt).
		Msg("message parked for scheduled dispatch")
}

// Cancel removes a scheduled-but-not-yet-dispatched message. Once dispatched
// to an adapter, cancellation is impossible by contract.
func (o *Orchestrator) Cancel(ctx context.Context, messageID string) bool {
	o.schedMu.Lock()
	entry, ok := o.scheduled[messageID]
	if ok {
		delete(o.scheduled, messageID)
	}
	o.schedMu.Unlock()
	if !ok {
		return false
	}

	rcptKey := entry.msg.Recipient.Key()
	cancelErr := adapter.NewPermanent(adapter.CodeCancelled, "cancelled before scheduled dispatch")
	o.finishFailed(ctx, entry.msg, rcptKey, cancelErr, nil)
	o.logger.Info().Str("message_id", messageID).Msg("scheduled message cancelled")
	return true
}

// Run dispatches parked messages as their time arrives, sweeping on the
// configured interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep dispatches every parked message whose time has come. Exposed for the
// daemon and tests.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.now()

	o.schedMu.Lock()
	due := make([]*scheduledMessage, 0)
	for id, entry := range o.scheduled {
		if !entry.readyAt.After(now) {
			due = append(due, entry)
			delete(o.scheduled, id)
		}
	}
	o.schedMu.Unlock()

	for _, entry := range due {
		msg := entry.msg
		go func() {
			rcptKey := msg.Recipient.Key()
			unlock := o.lockPair(msg.MessageID, rcptKey)
			defer unlock()
			if _, done := o.tracker.Result(msg.MessageID, rcptKey); done {
				return
			}
			o.deliverNow(ctx, msg)
		}()
	}
}

// ScheduledCount reports how many messages are currently parked.
func (o *Orchestrator) ScheduledCount() int {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	return len(o.scheduled)
}

// deliverNow walks the primary channel and each configured fallback, at most
// once per channel, retrying retryable errors on the same adapter within
// each channel before moving on.
func (o *Orchestrator) deliverNow(ctx context.Context, msg *models.Message) *adapter.DeliveryResult {
	rcptKey := msg.Recipient.Key()
	o.tracker.Open(ctx, msg.MessageID, rcptKey, msg.Recipient.ChannelType)

	channels := o.channelPlan(msg)
	required := adapter.RequirementsFor(msg.Type)

	var (
		lastErr           *adapter.DeliveryError
		attempts          []models.Attempt
		suggestedFallback models.ChannelType
	)

	for _, channel := range channels {
		if o.tracker.Suppressed(rcptKey, channel) {
			lastErr = adapter.NewPermanent(adapter.CodeRecipientOptedOut, "recipient opted out of channel %s", channel)
			o.logger.Info().
				Str("message_id", msg.MessageID).
				Str("channel", string(channel)).
				Msg("channel suppressed by opt-out")
			continue
		}

		reg, err := o.registry.Resolve(channel, required)
		if err != nil {
			// Channel never attempted; remember it so the caller can act.
			if suggestedFallback == "" {
				suggestedFallback = channel
			}
			lastErr = adapter.NewPermanent(adapter.CodeNoAdapter, "no adapter available for channel %s", channel)
			o.logger.Warn().
				Str("message_id", msg.MessageID).
				Str("channel", string(channel)).
				Msg("no adapter available")
			continue
		}

		res, chanAttempts, chanErr := o.deliverOnChannel(ctx, msg, reg, channel)
		attempts = append(attempts, chanAttempts...)
		if res != nil {
			res.Attempts = attempts
			o.tracker.StoreResult(msg.MessageID, rcptKey, res)
			return res
		}
		lastErr = chanErr
	}

	if lastErr == nil {
		lastErr = adapter.NewPermanent(adapter.CodeNoAdapter, "no channel configured for recipient")
	}
	if suggestedFallback != "" {
		lastErr.SuggestedFallback = suggestedFallback
	}
	return o.finishFailed(ctx, msg, rcptKey, lastErr, attempts)
}

// deliverOnChannel runs the per-channel attempt loop: validate the
// recipient, then up to retryCount+1 sends on the same resolved adapter with
// exponential backoff between retryable failures.
func (o *Orchestrator) deliverOnChannel(ctx context.Context, msg *models.Message, reg *registry.Registration, channel models.ChannelType) (*adapter.DeliveryResult, []models.Attempt, *adapter.DeliveryError) {
	rcptKey := msg.Recipient.Key()
	impl := reg.Adapter()
	identifier := msg.Recipient.IdentifierFor(channel)

	// Invalid recipients fail fast: no attempt is recorded against the
	// adapter.
	ok, err := impl.ValidateRecipient(ctx, identifier)
	if err != nil || !ok {
		detail := "identifier rejected"
		if err != nil {
			detail = err.Error()
		}
		return nil, nil, adapter.NewPermanent(adapter.CodeInvalidRecipient, "recipient %q invalid for channel %s: %s", identifier, channel, detail)
	}

	channelMsg := *msg
	channelMsg.Recipient.ChannelType = channel
	channelMsg.Recipient.ChannelIdentifier = identifier

	maxAttempts := o.retryCount(msg) + 1
	var attempts []models.Attempt

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, reg.Settings.Timeout(o.cfg.AdapterTimeout))
		sendRes, sendErr := impl.SendMessage(callCtx, &channelMsg)
		cancel()

		if sendErr == nil && sendRes != nil && sendRes.Success {
			attemptRec := models.Attempt{
				AdapterID: reg.AdapterID,
				Channel:   channel,
				Timestamp: o.now(),
				Outcome:   models.OutcomeSent,
			}
			attempts = append(attempts, attemptRec)
			if err := o.tracker.RecordAttempt(msg.MessageID, rcptKey, attemptRec); err != nil {
				o.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record attempt")
			}
			if sendRes.ExternalMessageID != "" {
				_ = o.tracker.SetExternalID(msg.MessageID, rcptKey, sendRes.ExternalMessageID)
			}
			if _, err := o.tracker.Transition(ctx, msg.MessageID, rcptKey, models.StatusSent, reg.AdapterID, ""); err != nil {
				o.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record sent status")
			}

			return &adapter.DeliveryResult{
				MessageID:         msg.MessageID,
				RecipientKey:      rcptKey,
				Success:           true,
				Status:            models.StatusSent,
				AdapterID:         reg.AdapterID,
				Channel:           channel,
				ExternalMessageID: sendRes.ExternalMessageID,
				Timestamp:         o.now(),
			}, attempts, nil
		}

		if sendErr == nil {
			sendErr = errors.New("adapter returned unsuccessful result without error")
			if sendRes != nil && sendRes.Error != nil {
				sendErr = sendRes.Error
			}
		}
		de := adapter.AsDeliveryError(sendErr)

		outcome := models.OutcomePermanent
		if de.Code == adapter.CodeTimeout {
			outcome = models.OutcomeTimeout
		} else if de.Retryable {
			outcome = models.OutcomeRetryable
		}
		attemptRec := models.Attempt{
			AdapterID: reg.AdapterID,
			Channel:   channel,
			Timestamp: o.now(),
			Outcome:   outcome,
			Error:     de.Error(),
		}
		attempts = append(attempts, attemptRec)
		if err := o.tracker.RecordAttempt(msg.MessageID, rcptKey, attemptRec); err != nil {
			o.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record attempt")
		}

		o.logger.Warn().
			Str("message_id", msg.MessageID).
			Str("adapter_id", reg.AdapterID).
			Str("channel", string(channel)).
			Int("attempt", attempt).
			Bool("retryable", de.Retryable).
			Err(de).
			Msg("send attempt failed")

		if !de.Retryable || attempt >= maxAttempts {
			return nil, attempts, de
		}

		if !o.wait(ctx, o.computeBackoff(msg, attempt)) {
			return nil, attempts, adapter.AsDeliveryError(ctx.Err())
		}
	}

	return nil, attempts, adapter.NewRetryable(adapter.CodeProviderError, "retry budget exhausted")
}

func (o *Orchestrator) finishFailed(ctx context.Context, msg *models.Message, rcptKey string, de *adapter.DeliveryError, attempts []models.Attempt) *adapter.DeliveryResult {
	status := models.StatusFailed
	if de.Code == adapter.CodeRecipientOptedOut {
		status = models.StatusOptedOut
	}
	if _, err := o.tracker.Transition(ctx, msg.MessageID, rcptKey, status, "", de.Error()); err != nil {
		o.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record terminal status")
	}

	now := o.now()
	firstFailed := now
	if len(attempts) > 0 {
		firstFailed = attempts[0].Timestamp
	}
	// Cancellations and opt-outs are caller decisions, not exhausted
	// deliveries; they stay out of the dead-letter stream.
	if de.Code != adapter.CodeCancelled && de.Code != adapter.CodeRecipientOptedOut {
		o.publishDLQ(ctx, msg, rcptKey, de, attempts, firstFailed, now)
	}

	res := &adapter.DeliveryResult{
		MessageID:    msg.MessageID,
		RecipientKey: rcptKey,
		Success:      false,
		Status:       status,
		Channel:      msg.Recipient.ChannelType,
		Attempts:     attempts,
		Error:        de,
		Timestamp:    now,
	}
	o.tracker.StoreResult(msg.MessageID, rcptKey, res)
	return res
}

func (o *Orchestrator) publishDLQ(ctx context.Context, msg *models.Message, rcptKey string, de *adapter.DeliveryError, attempts []models.Attempt, firstFailed, last time.Time) {
	o.tracker.PublishDLQ(ctx, models.DLQRecord{
		MessageID:     msg.MessageID,
		RecipientKey:  rcptKey,
		Channel:       msg.Recipient.ChannelType,
		Category:      msg.Metadata.Category,
		Attempts:      len(attempts),
		LastError:     de.Error(),
		FirstFailedAt: firstFailed,
		LastAttemptAt: last,
	})
}

// RefreshStatus polls the adapter that last sent the message and applies the
// reported status. Polling failures mean "unknown", not delivery failure.
func (o *Orchestrator) RefreshStatus(ctx context.Context, messageID, recipientKey string) (models.DeliveryStatus, error) {
	rec, err := o.tracker.Record(messageID, recipientKey)
	if err != nil {
		return models.StatusUnknown, err
	}
	if rec.ExternalMessageID == "" || len(rec.Attempts) == 0 {
		return rec.Status, nil
	}

	adapterID := rec.Attempts[len(rec.Attempts)-1].AdapterID
	reg, err := o.registry.Get(adapterID)
	if err != nil {
		return rec.Status, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, reg.Settings.Timeout(o.cfg.AdapterTimeout))
	defer cancel()
	status, err := reg.Adapter().CheckDeliveryStatus(callCtx, rec.ExternalMessageID)
	if err != nil {
		o.logger.Warn().
			Str("message_id", messageID).
			Str("adapter_id", adapterID).
			Err(err).
			Msg("delivery status poll failed; status unknown")
		return models.StatusUnknown, nil
	}

	if _, err := o.tracker.Transition(ctx, messageID, recipientKey, status, adapterID, ""); err != nil {
		return models.StatusUnknown, err
	}
	updated, err := o.tracker.Record(messageID, recipientKey)
	if err != nil {
		return models.StatusUnknown, err
	}
	return updated.Status, nil
}

// channelPlan returns the primary channel followed by each configured
// fallback, deduplicated so no channel is consulted twice.
func (o *Orchestrator) channelPlan(msg *models.Message) []models.ChannelType {
	plan := []models.ChannelType{msg.Recipient.ChannelType}
	seen := map[models.ChannelType]struct{}{msg.Recipient.ChannelType: {}}
	if msg.DeliveryOptions != nil {
		for _, ch := range msg.DeliveryOptions.FallbackChannels {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			plan = append(plan, ch)
		}
	}
	return plan
}

func (o *Orchestrator) retryCount(msg *models.Message) int {
	if msg.DeliveryOptions != nil && msg.DeliveryOptions.RetryCount > 0 {
		return msg.DeliveryOptions.RetryCount
	}
	return o.cfg.DefaultRetryCount
}

func (o *Orchestrator) computeBackoff(msg *models.Message, attempt int) time.Duration {
	base := o.cfg.BaseBackoff
	if msg.Urgent() {
		base = o.cfg.UrgentBaseBackoff
	}
	if msg.DeliveryOptions != nil && msg.DeliveryOptions.RetryDelayMs > 0 {
		base = time.Duration(msg.DeliveryOptions.RetryDelayMs) * time.Millisecond
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(base) * multiplier)
	if o.cfg.MaxBackoff > 0 && raw > o.cfg.MaxBackoff {
		raw = o.cfg.MaxBackoff
	}
	return o.fullJitter(raw)
}

func (o *Orchestrator) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	o.randMu.Lock()
	defer o.randMu.Unlock()
	return time.Duration(o.rnd.Int63n(int64(max) + 1))
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (o *Orchestrator) lockPair(messageID, recipientKey string) func() {
	key := messageID + "|" + recipientKey
	o.flightMu.Lock()
	mu, ok := o.inFlight[key]
	if !ok {
		mu = &sync.Mutex{}
		o.inFlight[key] = mu
	}
	o.flightMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
