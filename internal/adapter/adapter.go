// Package adapter defines the channel adapter contract the orchestration
// layer programs against. Concrete platform integrations (WhatsApp, SMS,
// email, push, webhooks) are plugins satisfying this interface; the
// orchestrator never depends on a concrete channel type.
package adapter

import (
	"context"
	"time"

	"github.com/haventree/carecomms/internal/models"
)

// Settings enumerates the tuning options every adapter accepts. Zero values
// defer to orchestrator defaults.
type Settings struct {
	WebhookURL             string            `json:"webhook_url,omitempty"`
	CallbackURL            string            `json:"callback_url,omitempty"`
	MaxRetries             int               `json:"max_retries,omitempty"`
	TimeoutMs              int               `json:"timeout_ms,omitempty"`
	RateLimitPerMinute     int               `json:"rate_limit_per_minute,omitempty"`
	EnableLogging          bool              `json:"enable_logging,omitempty"`
	EnableDeliveryTracking bool              `json:"enable_delivery_tracking,omitempty"`
	CustomParameters       map[string]string `json:"custom_parameters,omitempty"`
}

// Timeout converts the configured per-call timeout, falling back to def.
func (s Settings) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return def
}

// Configuration is handed to an adapter at registration time. Credentials
// are opaque to the orchestration layer: never logged, never inspected.
type Configuration struct {
	AdapterID      string            `json:"adapter_id"`
	Enabled        bool              `json:"enabled"`
	Credentials    map[string]string `json:"-"`
	Settings       Settings          `json:"settings"`
	OrganizationID string            `json:"organization_id,omitempty"`
}

// Capabilities declares what a channel platform can do so the registry can
// match adapters to message requirements.
type Capabilities struct {
	ChannelType              models.ChannelType `json:"channel_type"`
	SupportsMedia            bool               `json:"supports_media"`
	SupportsRichText         bool               `json:"supports_rich_text"`
	SupportsTemplates        bool               `json:"supports_templates"`
	SupportsBroadcast        bool               `json:"supports_broadcast"`
	SupportsDeliveryReceipts bool               `json:"supports_delivery_receipts"`
	SupportsReadReceipts     bool               `json:"supports_read_receipts"`
	SupportsTwoWay           bool               `json:"supports_two_way"`
	MaxMessageLength         int                `json:"max_message_length,omitempty"`
	CostPerMessage           float64            `json:"cost_per_message,omitempty"`
}

// Satisfies reports whether the adapter covers every capability the
// requirement demands. Only boolean capabilities participate in matching.
func (c Capabilities) Satisfies(req Capabilities) bool {
	if req.SupportsMedia && !c.SupportsMedia {
		return false
	}
	if req.SupportsRichText && !c.SupportsRichText {
		return false
	}
	if req.SupportsTemplates && !c.SupportsTemplates {
		return false
	}
	if req.SupportsBroadcast && !c.SupportsBroadcast {
		return false
	}
	if req.SupportsTwoWay && !c.SupportsTwoWay {
		return false
	}
	return true
}

// RequirementsFor derives the capability requirement implied by a message
// type.
func RequirementsFor(t models.MessageType) Capabilities {
	return Capabilities{
		SupportsMedia:     t.IsMedia(),
		SupportsRichText:  t == models.TypeRichText,
		SupportsTemplates: t == models.TypeTemplate,
	}
}

// HealthCheckResult reports the outcome of one adapter probe.
type HealthCheckResult struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency_ms"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// DeliveryResult is what callers receive for a single-recipient send.
// Expected failure modes are represented structurally via Success and Error,
// never as a bare Go error.
type DeliveryResult struct {
	MessageID         string                `json:"message_id"`
	RecipientKey      string                `json:"recipient_key,omitempty"`
	Success           bool                  `json:"success"`
	Status            models.DeliveryStatus `json:"status"`
	AdapterID         string                `json:"adapter_id,omitempty"`
	Channel           models.ChannelType    `json:"channel,omitempty"`
	ExternalMessageID string                `json:"external_message_id,omitempty"`
	Attempts          []models.Attempt      `json:"attempts,omitempty"`
	Error             *DeliveryError        `json:"error,omitempty"`
	Scheduled         bool                  `json:"scheduled,omitempty"`
	Timestamp         time.Time             `json:"timestamp"`
}

// RecipientResult pairs one broadcast recipient with its delivery outcome.
type RecipientResult struct {
	Recipient models.Recipient `json:"recipient"`
	Result    *DeliveryResult  `json:"result"`
}

// BroadcastResult aggregates a fan-out. SuccessCount+FailureCount always
// equals TotalRecipients and len(Results); partial failure is never an error.
type BroadcastResult struct {
	BroadcastID     string            `json:"broadcast_id"`
	TotalRecipients int               `json:"total_recipients"`
	SuccessCount    int               `json:"success_count"`
	FailureCount    int               `json:"failure_count"`
	Results         []RecipientResult `json:"results"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// Adapter is the contract every channel plugin implements. Blocking
// operations take a context; the orchestration layer bounds each call with
// the adapter's configured timeout.
type Adapter interface {
	// Initialize prepares the adapter with its configuration. Failure means
	// the adapter is never registered.
	Initialize(ctx context.Context, cfg Configuration) error
	// SendMessage delivers one message to the recipient embedded in it.
	SendMessage(ctx context.Context, msg *models.Message) (*DeliveryResult, error)
	// BroadcastMessage natively fans one message out to many recipients.
	// Optional optimisation; adapters without native multicast should report
	// SupportsBroadcast=false and may return an error here.
	BroadcastMessage(ctx context.Context, msg *models.Message, recipients []models.Recipient) (*BroadcastResult, error)
	// ReceiveMessage parses a platform-specific webhook payload into the
	// canonical incoming shape. Malformed payloads fail closed with an error.
	ReceiveMessage(ctx context.Context, payload []byte) (*models.IncomingMessage, error)
	// CheckDeliveryStatus polls the platform for the current status of a
	// previously sent message.
	CheckDeliveryStatus(ctx context.Context, externalMessageID string) (models.DeliveryStatus, error)
	// ValidateRecipient reports whether the identifier is well-formed for
	// this channel.
	ValidateRecipient(ctx context.Context, identifier string) (bool, error)
	// HealthCheck probes the upstream platform.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
	// Capabilities describes what the platform supports.
	Capabilities() Capabilities
	// Shutdown releases adapter resources. In-flight calls holding a
	// reference are unaffected.
	Shutdown(ctx context.Context) error
}
