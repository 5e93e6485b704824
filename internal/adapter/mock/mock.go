// Package mock provides a deterministic channel adapter used by tests and by
// deliveryd when a channel is configured with the mock backend.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/util"
)

// Scenario enumerates the behaviours the mock adapter can simulate. The
// per-message scenario is read from content template params under the
// "scenario" key, falling back to the adapter default.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioRetryable Scenario = "retryable"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
	ScenarioUnhealthy Scenario = "unhealthy"
)

// Option customises the mock adapter.
type Option func(*Adapter)

// WithScenario sets the default scenario used when a message does not
// specify one.
func WithScenario(s Scenario) Option {
	return func(a *Adapter) {
		a.defaultScenario = s
	}
}

// WithLatency configures the artificial latency injected before each send.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) {
		if d < 0 {
			d = 0
		}
		a.latency = d
	}
}

// WithClock overrides the clock used to timestamp results (useful in tests).
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithCapabilities replaces the declared capabilities entirely.
func WithCapabilities(caps adapter.Capabilities) Option {
	return func(a *Adapter) {
		a.caps = caps
	}
}

// Adapter is a scenario-driven in-memory channel adapter.
type Adapter struct {
	logger          zerolog.Logger
	channel         models.ChannelType
	defaultScenario Scenario
	latency         time.Duration
	now             func() time.Time
	caps            adapter.Capabilities

	mu          sync.Mutex
	cfg         adapter.Configuration
	initialized bool
	shutdown    bool
	sendCalls   int
	statuses    map[string]models.DeliveryStatus
}

// New constructs a mock adapter for the supplied channel.
func New(channel models.ChannelType, logger zerolog.Logger, opts ...Option) *Adapter {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	a := &Adapter{
		logger:          logger,
		channel:         channel,
		defaultScenario: ScenarioSuccess,
		now:             time.Now,
		caps: adapter.Capabilities{
			ChannelType:              channel,
			SupportsMedia:            true,
			SupportsRichText:         channel != models.ChannelSMS,
			SupportsTemplates:        channel == models.ChannelWhatsApp || channel == models.ChannelEmail,
			SupportsBroadcast:        channel == models.ChannelWhatsApp,
			SupportsDeliveryReceipts: true,
			SupportsReadReceipts:     channel == models.ChannelWhatsApp,
			SupportsTwoWay:           channel == models.ChannelWhatsApp || channel == models.ChannelSMS,
			CostPerMessage:           0.01,
		},
		statuses: make(map[string]models.DeliveryStatus),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SendCalls reports how many times SendMessage has been invoked.
func (a *Adapter) SendCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCalls
}

// Initialize records the configuration. Initialisation fails when the
// credentials carry fail_init, letting tests exercise fail-fast registration.
func (a *Adapter) Initialize(_ context.Context, cfg adapter.Configuration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := cfg.Credentials["fail_init"]; ok {
		return errors.New("mock adapter: initialization refused by credentials")
	}
	a.cfg = cfg
	a.initialized = true
	a.shutdown = false
	return nil
}

// SendMessage simulates a send according to the configured scenario.
func (a *Adapter) SendMessage(ctx context.Context, msg *models.Message) (*adapter.DeliveryResult, error) {
	if msg == nil {
		return nil, adapter.NewPermanent(adapter.CodeProviderRejected, "mock adapter: message is required")
	}

	a.mu.Lock()
	if !a.initialized || a.shutdown {
		a.mu.Unlock()
		return nil, adapter.NewPermanent(adapter.CodeProviderError, "mock adapter: not initialized")
	}
	a.sendCalls++
	a.mu.Unlock()

	if err := a.sleep(ctx, a.latency); err != nil {
		return nil, err
	}

	switch a.scenarioFor(msg) {
	case ScenarioSuccess:
		externalID := fmt.Sprintf("%s-%s", a.channel, uuid.NewString())
		a.mu.Lock()
		a.statuses[externalID] = models.StatusDelivered
		a.mu.Unlock()
		return &adapter.DeliveryResult{
			MessageID:         msg.MessageID,
			Success:           true,
			Status:            models.StatusSent,
			Channel:           a.channel,
			ExternalMessageID: externalID,
			Timestamp:         a.now(),
		}, nil
	case ScenarioRetryable:
		return nil, adapter.NewRetryable(adapter.CodeRateLimited, "mock adapter: simulated rate limit")
	case ScenarioPermanent:
		return nil, adapter.NewPermanent(adapter.CodeProviderRejected, "mock adapter: simulated rejection")
	case ScenarioTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, adapter.NewPermanent(adapter.CodeProviderError, "mock adapter: unknown scenario")
	}
}

// BroadcastMessage simulates native multicast: one platform call covering
// every recipient, each reported individually.
func (a *Adapter) BroadcastMessage(ctx context.Context, msg *models.Message, recipients []models.Recipient) (*adapter.BroadcastResult, error) {
	if !a.caps.SupportsBroadcast {
		return nil, adapter.NewPermanent(adapter.CodeProviderRejected, "mock adapter: native broadcast unsupported")
	}
	if err := a.sleep(ctx, a.latency); err != nil {
		return nil, err
	}

	res := &adapter.BroadcastResult{
		BroadcastID:     uuid.NewString(),
		TotalRecipients: len(recipients),
		StartedAt:       a.now(),
	}
	scenario := a.scenarioFor(msg)
	for _, rcpt := range recipients {
		one := &adapter.DeliveryResult{
			MessageID:    msg.MessageID,
			RecipientKey: rcpt.Key(),
			Channel:      a.channel,
			Timestamp:    a.now(),
		}
		if scenario == ScenarioSuccess {
			one.Success = true
			one.Status = models.StatusSent
			one.ExternalMessageID = fmt.Sprintf("%s-%s", a.channel, uuid.NewString())
			res.SuccessCount++
		} else {
			one.Status = models.StatusFailed
			one.Error = adapter.NewPermanent(adapter.CodeProviderRejected, "mock adapter: simulated broadcast rejection")
			res.FailureCount++
		}
		res.Results = append(res.Results, adapter.RecipientResult{Recipient: rcpt, Result: one})
	}
	res.CompletedAt = a.now()
	return res, nil
}

// webhookEnvelope is the wire shape the mock platform posts to webhooks.
type webhookEnvelope struct {
	Kind       string `json:"kind"`
	MessageID  string `json:"message_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Status     string `json:"status,omitempty"`
	From       string `json:"from,omitempty"`
	FromUserID string `json:"from_user_id,omitempty"`
	Body       string `json:"body,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// ReceiveMessage parses the mock platform webhook format. Malformed payloads
// fail closed.
func (a *Adapter) ReceiveMessage(_ context.Context, payload []byte) (*models.IncomingMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("mock adapter: decode webhook payload: %w", err)
	}

	received := a.now()
	if env.Timestamp != "" {
		ts, err := util.ParseRFC3339(env.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("mock adapter: webhook timestamp: %w", err)
		}
		received = ts
	}

	switch env.Kind {
	case "receipt":
		if env.MessageID == "" || env.Status == "" {
			return nil, errors.New("mock adapter: receipt payload missing message_id or status")
		}
		return &models.IncomingMessage{
			ID:          uuid.NewString(),
			AdapterID:   a.cfg.AdapterID,
			ChannelType: a.channel,
			Kind:        models.IncomingReceiptKind,
			Receipt: &models.DeliveryReceipt{
				MessageID:         env.MessageID,
				ExternalMessageID: env.ExternalID,
				RecipientKey:      env.Recipient,
				Status:            models.DeliveryStatus(env.Status),
				Timestamp:         received,
			},
			ReceivedAt: received,
		}, nil
	case "message":
		if strings.TrimSpace(env.From) == "" {
			return nil, errors.New("mock adapter: inbound payload missing sender")
		}
		return &models.IncomingMessage{
			ID:          uuid.NewString(),
			AdapterID:   a.cfg.AdapterID,
			ChannelType: a.channel,
			Kind:        models.IncomingMessageKind,
			From:        env.From,
			FromUserID:  env.FromUserID,
			Type:        models.TypeText,
			Content:     models.Content{Body: env.Body},
			ReceivedAt:  received,
		}, nil
	default:
		return nil, fmt.Errorf("mock adapter: unknown webhook kind %q", env.Kind)
	}
}

// CheckDeliveryStatus returns the simulated platform status for a previously
// sent message.
func (a *Adapter) CheckDeliveryStatus(_ context.Context, externalMessageID string) (models.DeliveryStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.statuses[externalMessageID]
	if !ok {
		return models.StatusUnknown, fmt.Errorf("mock adapter: unknown external message id %q", externalMessageID)
	}
	return status, nil
}

// ValidateRecipient checks identifier shape per channel: E.164 for phone
// channels, RFC 5322 address for email, non-empty otherwise.
func (a *Adapter) ValidateRecipient(_ context.Context, identifier string) (bool, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return false, nil
	}
	switch a.channel {
	case models.ChannelSMS, models.ChannelWhatsApp, models.ChannelVoice:
		_, err := util.NormalizeE164(identifier)
		return err == nil, nil
	case models.ChannelEmail:
		_, err := util.NormalizeEmail(identifier)
		return err == nil, nil
	default:
		return true, nil
	}
}

// HealthCheck reports healthy unless the default scenario is unhealthy.
func (a *Adapter) HealthCheck(ctx context.Context) (*adapter.HealthCheckResult, error) {
	start := a.now()
	if err := a.sleep(ctx, a.latency); err != nil {
		return nil, err
	}
	res := &adapter.HealthCheckResult{
		Healthy:   a.scenario() != ScenarioUnhealthy,
		Latency:   a.now().Sub(start),
		CheckedAt: a.now(),
	}
	if !res.Healthy {
		res.Detail = "mock adapter: simulated outage"
	}
	return res, nil
}

// Capabilities returns the declared capability set.
func (a *Adapter) Capabilities() adapter.Capabilities {
	return a.caps
}

// Shutdown marks the adapter stopped. Subsequent sends fail permanently.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	return nil
}

// SetScenario swaps the default scenario at runtime, letting tests flip an
// adapter between healthy and failing behaviour.
func (a *Adapter) SetScenario(s Scenario) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.defaultScenario = s
}

func (a *Adapter) scenario() Scenario {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.defaultScenario
}

func (a *Adapter) scenarioFor(msg *models.Message) Scenario {
	if msg != nil {
		if val, ok := msg.Content.TemplateParams["scenario"]; ok && strings.TrimSpace(val) != "" {
			return Scenario(strings.ToLower(strings.TrimSpace(val)))
		}
	}
	return a.scenario()
}

func (a *Adapter) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
