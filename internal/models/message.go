package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ChannelType categorises the transport a message travels over.
type ChannelType string

// Supported channel types.
const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSMS      ChannelType = "sms"
	ChannelEmail    ChannelType = "email"
	ChannelPush     ChannelType = "push"
	ChannelVoice    ChannelType = "voice"
	ChannelInApp    ChannelType = "in_app"
	ChannelWebhook  ChannelType = "webhook"
)

// MessageType identifies the content shape carried by a message.
type MessageType string

// Supported message types.
const (
	TypeText     MessageType = "text"
	TypeRichText MessageType = "rich_text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypeTemplate MessageType = "template"
)

// IsMedia reports whether the message type requires media support from the
// delivering adapter.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument:
		return true
	default:
		return false
	}
}

// Priority orders messages by urgency.
type Priority string

// Message priorities, lowest to highest.
const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// Category classifies the care context a message belongs to. Categories drive
// retry aggressiveness and fallback eligibility.
type Category string

// Message categories.
const (
	CategoryCareUpdate       Category = "care_update"
	CategoryMedication       Category = "medication"
	CategoryIncident         Category = "incident"
	CategorySafeguarding     Category = "safeguarding"
	CategoryEmergency        Category = "emergency"
	CategoryHandover         Category = "handover"
	CategoryFamilyEngagement Category = "family_engagement"
	CategoryGeneral          Category = "general"
)

// Sender identifies the originating user or system of an outbound message.
type Sender struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Recipient addresses one logical user on one specific channel. The same
// user may have several Recipient records, one per channel. AltIdentifiers
// supplies addresses for fallback channels when cross-channel fallback is
// configured; absent entries fall back to the primary identifier.
type Recipient struct {
	UserID            string                 `json:"user_id"`
	ChannelType       ChannelType            `json:"channel_type"`
	ChannelIdentifier string                 `json:"channel_identifier"`
	PreferredLanguage string                 `json:"preferred_language,omitempty"`
	AltIdentifiers    map[ChannelType]string `json:"alt_identifiers,omitempty"`
}

// IdentifierFor returns the address to use for the supplied channel.
func (r Recipient) IdentifierFor(channel ChannelType) string {
	if channel == r.ChannelType {
		return r.ChannelIdentifier
	}
	if id, ok := r.AltIdentifiers[channel]; ok && strings.TrimSpace(id) != "" {
		return id
	}
	return r.ChannelIdentifier
}

// Key uniquely identifies the recipient within a delivery. Recipients are
// channel-specific, so the key carries the channel type: broadcasting to the
// same user on two channels yields two independent delivery records.
func (r Recipient) Key() string {
	id := r.UserID
	if id == "" {
		id = r.ChannelIdentifier
	}
	return id + "|" + string(r.ChannelType)
}

// Content carries the channel-agnostic message body.
type Content struct {
	Body           string            `json:"body,omitempty"`
	MediaURL       string            `json:"media_url,omitempty"`
	MediaType      string            `json:"media_type,omitempty"`
	TemplateID     string            `json:"template_id,omitempty"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
}

// Metadata captures the care context attached to a message.
type Metadata struct {
	Category               Category   `json:"category"`
	IsUrgent               bool       `json:"is_urgent,omitempty"`
	RequiresAcknowledgment bool       `json:"requires_acknowledgment,omitempty"`
	EncryptionRequired     bool       `json:"encryption_required,omitempty"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
}

// DeliveryWindow restricts dispatch to a daily wall-clock interval. Windows
// that wrap midnight (e.g. 22:00-06:00) are honoured.
type DeliveryWindow struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
}

// ErrInvalidWindow is returned when a delivery window bound cannot be parsed.
var ErrInvalidWindow = errors.New("invalid delivery window")

func parseClock(val string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(val), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindow, val)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidWindow, val)
	}
	return h*60 + m, nil
}

// Validate checks both window bounds parse as HH:MM clock values.
func (w DeliveryWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	_, err := parseClock(w.End)
	return err
}

// Contains reports whether the supplied time falls inside the window.
func (w DeliveryWindow) Contains(t time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := parseClock(w.End)
	if err != nil {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// NextOpen returns the earliest instant at or after t admitted by the window.
func (w DeliveryWindow) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return t
	}
	opens := time.Date(t.Year(), t.Month(), t.Day(), start/60, start%60, 0, 0, t.Location())
	if !opens.After(t) {
		opens = opens.Add(24 * time.Hour)
	}
	return opens
}

// DeliveryOptions tunes retry, fallback and scheduling behaviour for one
// message. Zero values are replaced with orchestrator defaults.
type DeliveryOptions struct {
	RetryCount       int             `json:"retry_count,omitempty"`
	RetryDelayMs     int             `json:"retry_delay_ms,omitempty"`
	FallbackChannels []ChannelType   `json:"fallback_channels,omitempty"`
	ScheduleFor      *time.Time      `json:"schedule_for,omitempty"`
	DeliveryWindow   *DeliveryWindow `json:"delivery_window,omitempty"`
}

// Message is the canonical outbound communication submitted by callers.
// Immutable once accepted; MessageID is caller-assigned and used for
// idempotent resubmission.
type Message struct {
	MessageID       string           `json:"message_id"`
	Type            MessageType      `json:"type"`
	Content         Content          `json:"content"`
	Sender          Sender           `json:"sender"`
	Recipient       Recipient        `json:"recipient"`
	Metadata        Metadata         `json:"metadata"`
	Priority        Priority         `json:"priority"`
	DeliveryOptions *DeliveryOptions `json:"delivery_options,omitempty"`
}

// Urgent reports whether the message belongs to the safeguarding class that
// bypasses delivery windows and uses the shortened backoff.
func (m *Message) Urgent() bool {
	return m.Metadata.IsUrgent ||
		m.Metadata.Category == CategoryEmergency ||
		m.Priority == PriorityEmergency
}

// Expired reports whether the message's metadata expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.Metadata.ExpiresAt != nil && now.After(*m.Metadata.ExpiresAt)
}

// Validate performs structural validation of a caller-submitted message.
// Violations are programming/contract errors, not delivery failures.
func (m *Message) Validate() error {
	if m == nil {
		return errors.New("message is required")
	}
	if strings.TrimSpace(m.MessageID) == "" {
		return errors.New("message_id is required")
	}
	if m.Type == "" {
		return errors.New("message type is required")
	}
	if m.Recipient.ChannelType == "" {
		return errors.New("recipient channel_type is required")
	}
	if strings.TrimSpace(m.Recipient.ChannelIdentifier) == "" {
		return errors.New("recipient channel_identifier is required")
	}
	if m.Type == TypeTemplate && strings.TrimSpace(m.Content.TemplateID) == "" {
		return errors.New("template messages require content.template_id")
	}
	if m.Type.IsMedia() && strings.TrimSpace(m.Content.MediaURL) == "" {
		return errors.New("media messages require content.media_url")
	}
	if opts := m.DeliveryOptions; opts != nil {
		if opts.RetryCount < 0 {
			return errors.New("delivery_options.retry_count cannot be negative")
		}
		if opts.RetryDelayMs < 0 {
			return errors.New("delivery_options.retry_delay_ms cannot be negative")
		}
		if opts.DeliveryWindow != nil {
			if err := opts.DeliveryWindow.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
