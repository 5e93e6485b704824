// Package broadcast fans one message out to many recipients under bounded
// concurrency and per-adapter rate limits, aggregating per-recipient results.
package broadcast

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/tracker"
)

// Deliverer is the single-recipient delivery dependency, satisfied by the
// orchestrator.
type Deliverer interface {
	Deliver(ctx context.Context, msg *models.Message) (*adapter.DeliveryResult, error)
}

// Config tunes fan-out behaviour.
type Config struct {
	// Concurrency bounds how many recipients are in flight at once.
	Concurrency int
	// Timeout bounds the whole broadcast; recipients still in flight when it
	// elapses are marked failed, never left pending.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Coordinator fans messages out through the orchestrator, delegating to an
// adapter's native broadcast when the resolved adapter supports it.
type Coordinator struct {
	cfg       Config
	deliverer Deliverer
	registry  *registry.Registry
	tracker   *tracker.Tracker
	logger    zerolog.Logger
	now       func() time.Time

	limMu    sync.Mutex
	limiters map[models.ChannelType]*channelLimiter
}

// channelLimiter remembers which per-minute limit a limiter was built for so
// a registration or health change is picked up on the next dispatch.
type channelLimiter struct {
	rpm int
	lim *rate.Limiter
}

// Dependencies collects the coordinator's collaborators.
type Dependencies struct {
	Deliverer Deliverer
	Registry  *registry.Registry
	Tracker   *tracker.Tracker
	Logger    zerolog.Logger
	Now       func() time.Time
}

// New constructs a coordinator, validating dependencies up front.
func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Deliverer == nil {
		return nil, errors.New("broadcast: deliverer dependency is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("broadcast: registry dependency is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("broadcast: tracker dependency is required")
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

	return &Coordinator{
		cfg:       cfg,
		deliverer: deps.Deliverer,
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		logger:    logger.With().Str("component", "broadcast_coordinator").Logger(),
		now:       nowFunc,
		limiters:  make(map[models.ChannelType]*channelLimiter),
	}, nil
}

// Broadcast delivers one message to every recipient. Per-recipient failures
// never abort the broadcast; the result always contains one entry per
// recipient and SuccessCount+FailureCount == len(recipients).
func (c *Coordinator) Broadcast(ctx context.Context, msg *models.Message, recipients []models.Recipient) (*adapter.BroadcastResult, error) {
	if msg == nil {
		return nil, errors.New("broadcast: message is required")
	}
	if len(recipients) == 0 {
		return nil, errors.New("broadcast: at least one recipient is required")
	}

	res := &adapter.BroadcastResult{
		BroadcastID:     uuid.NewString(),
		TotalRecipients: len(recipients),
		Results:         make([]adapter.RecipientResult, len(recipients)),
		StartedAt:       c.now(),
	}
	for i, rcpt := range recipients {
		res.Results[i].Recipient = rcpt
	}

	bctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		success atomic.Int64
		failure atomic.Int64
		setMu   sync.Mutex
	)
	record := func(i int, dr *adapter.DeliveryResult) {
		setMu.Lock()
		defer setMu.Unlock()
		if res.Results[i].Result != nil {
			return
		}
		res.Results[i].Result = dr
		if dr.Success {
			success.Add(1)
		} else {
			failure.Add(1)
		}
	}

	sem := semaphore.NewWeighted(int64(c.cfg.Concurrency))
	var wg sync.WaitGroup

	for channel, indices := range c.groupByChannel(recipients) {
		if c.delegateNative(bctx, msg, recipients, channel, indices, record) {
			continue
		}
		for _, i := range indices {
			if err := sem.Acquire(bctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func(i int, channel models.ChannelType) {
				defer wg.Done()
				defer sem.Release(1)
				c.deliverOne(bctx, msg, recipients[i], channel, i, record)
			}(i, channel)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-bctx.Done():
		c.logger.Warn().
			Str("broadcast_id", res.BroadcastID).
			Msg("broadcast timed out with recipients in flight")
	}

	// Whatever is still unset missed the timeout window: mark it failed
	// rather than leaving it pending indefinitely.
	timeoutErr := &adapter.DeliveryError{
		Code:      adapter.CodeBroadcastTimeout,
		Message:   "broadcast timed out before delivery completed",
		Retryable: false,
	}
	setMu.Lock()
	for i := range res.Results {
		if res.Results[i].Result == nil {
			res.Results[i].Result = &adapter.DeliveryResult{
				MessageID:    msg.MessageID,
				RecipientKey: recipients[i].Key(),
				Success:      false,
				Status:       models.StatusFailed,
				Channel:      recipients[i].ChannelType,
				Error:        timeoutErr,
				Timestamp:    c.now(),
			}
			failure.Add(1)
		}
	}
	setMu.Unlock()

	res.SuccessCount = int(success.Load())
	res.FailureCount = int(failure.Load())
	res.CompletedAt = c.now()

	c.logger.Info().
		Str("broadcast_id", res.BroadcastID).
		Int("recipients", res.TotalRecipients).
		Int("success", res.SuccessCount).
		Int("failure", res.FailureCount).
		Dur("elapsed", res.CompletedAt.Sub(res.StartedAt)).
		Msg("broadcast completed")
	return res, nil
}

func (c *Coordinator) deliverOne(ctx context.Context, msg *models.Message, rcpt models.Recipient, channel models.ChannelType, i int, record func(int, *adapter.DeliveryResult)) {
	if err := c.pace(ctx, channel); err != nil {
		return // left unset; the timeout filler marks it failed
	}

	one := *msg
	one.Recipient = rcpt
	dr, err := c.deliverer.Deliver(ctx, &one)
	if err != nil {
		// Contract violations surface per recipient, not as a broadcast
		// error: the caller always receives a complete picture.
		dr = &adapter.DeliveryResult{
			MessageID:    msg.MessageID,
			RecipientKey: rcpt.Key(),
			Success:      false,
			Status:       models.StatusFailed,
			Channel:      rcpt.ChannelType,
			Error:        adapter.AsDeliveryError(err),
			Timestamp:    c.now(),
		}
	}
	record(i, dr)
}

// delegateNative hands a whole channel group to the adapter's native
// multicast when supported. Returns false to fall back to per-recipient
// fan-out (including when the native call itself fails).
func (c *Coordinator) delegateNative(ctx context.Context, msg *models.Message, recipients []models.Recipient, channel models.ChannelType, indices []int, record func(int, *adapter.DeliveryResult)) bool {
	reg, err := c.registry.Resolve(channel, adapter.RequirementsFor(msg.Type))
	if err != nil || !reg.Capabilities.SupportsBroadcast {
		return false
	}

	group := make([]models.Recipient, 0, len(indices))
	for _, i := range indices {
		group = append(group, recipients[i])
	}

	if err := c.pace(ctx, channel); err != nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, reg.Settings.Timeout(30*time.Second))
	native, err := reg.Adapter().BroadcastMessage(callCtx, msg, group)
	cancel()
	if err != nil || native == nil || len(native.Results) != len(group) {
		c.logger.Warn().
			Str("adapter_id", reg.AdapterID).
			Str("channel", string(channel)).
			Err(err).
			Msg("native broadcast failed; falling back to per-recipient fan-out")
		return false
	}

	for n, i := range indices {
		dr := native.Results[n].Result
		if dr == nil {
			continue
		}
		rcptKey := recipients[i].Key()
		c.tracker.Open(ctx, msg.MessageID, rcptKey, channel)

		outcome := models.OutcomeSent
		status := models.StatusSent
		detail := ""
		if !dr.Success {
			outcome = models.OutcomePermanent
			status = models.StatusFailed
			detail = dr.Error.Error()
		}
		attempt := models.Attempt{
			AdapterID: reg.AdapterID,
			Channel:   channel,
			Timestamp: c.now(),
			Outcome:   outcome,
			Error:     detail,
		}
		if err := c.tracker.RecordAttempt(msg.MessageID, rcptKey, attempt); err != nil {
			c.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record native broadcast attempt")
		}
		if dr.ExternalMessageID != "" {
			_ = c.tracker.SetExternalID(msg.MessageID, rcptKey, dr.ExternalMessageID)
		}
		if _, err := c.tracker.Transition(ctx, msg.MessageID, rcptKey, status, reg.AdapterID, detail); err != nil {
			c.logger.Error().Str("message_id", msg.MessageID).Err(err).Msg("failed to record native broadcast status")
		}

		dr.RecipientKey = rcptKey
		dr.AdapterID = reg.AdapterID
		dr.Attempts = []models.Attempt{attempt}
		c.tracker.StoreResult(msg.MessageID, rcptKey, dr)
		record(i, dr)
	}
	return true
}

func (c *Coordinator) groupByChannel(recipients []models.Recipient) map[models.ChannelType][]int {
	groups := make(map[models.ChannelType][]int)
	for i, rcpt := range recipients {
		groups[rcpt.ChannelType] = append(groups[rcpt.ChannelType], i)
	}
	return groups
}

// pace spaces dispatches to honour the governing adapter's per-minute rate
// limit: latency is traded for adapter compliance, recipients are never
// dropped.
func (c *Coordinator) pace(ctx context.Context, channel models.ChannelType) error {
	return c.limiterFor(channel).Wait(ctx)
}

// limiterFor re-resolves the governing adapter on every dispatch: an adapter
// that was briefly unavailable, or a settings change, replaces the cached
// limiter instead of pinning the channel to a stale limit.
func (c *Coordinator) limiterFor(channel models.ChannelType) *rate.Limiter {
	rpm := 0
	if reg, err := c.registry.Resolve(channel, adapter.Capabilities{}); err == nil {
		rpm = reg.Settings.RateLimitPerMinute
	}

	c.limMu.Lock()
	defer c.limMu.Unlock()

	if entry, ok := c.limiters[channel]; ok && entry.rpm == rpm {
		return entry.lim
	}

	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}
	lim := rate.NewLimiter(limit, 1)
	c.limiters[channel] = &channelLimiter{rpm: rpm, lim: lim}
	return lim
}
