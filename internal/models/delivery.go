package models

import "time"

// DeliveryStatus is the lifecycle state of one outbound message/recipient
// pair. The state graph is QUEUED -> SENT -> DELIVERED -> READ with FAILED,
// BLOCKED and OPTED_OUT as alternative terminal states reachable from QUEUED
// or SENT.
type DeliveryStatus string

// Delivery statuses.
const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusBlocked   DeliveryStatus = "blocked"
	StatusOptedOut  DeliveryStatus = "opted_out"
	StatusUnknown   DeliveryStatus = "unknown"
)

// Terminal reports whether no further transition is permitted out of s,
// except the DELIVERED -> READ upgrade.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusBlocked, StatusOptedOut:
		return true
	default:
		return false
	}
}

// CanAdvance reports whether the transition from s to next is a legal forward
// move on the state graph. Equal states and regressions both return false;
// the tracker distinguishes the two when deciding what to log.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	switch s {
	case StatusQueued:
		switch next {
		case StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusBlocked, StatusOptedOut:
			return true
		}
	case StatusSent:
		switch next {
		case StatusDelivered, StatusRead, StatusFailed, StatusBlocked, StatusOptedOut:
			return true
		}
	case StatusDelivered:
		return next == StatusRead
	}
	return false
}

// rank orders statuses along the partial order used to classify out-of-order
// receipts: anything below the current rank is a regression.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed, StatusBlocked, StatusOptedOut:
		return 3
	default:
		return -1
	}
}

// Regresses reports whether moving from s to next would rewind the lifecycle.
func (s DeliveryStatus) Regresses(next DeliveryStatus) bool {
	return next.rank() < s.rank()
}

// AdapterHealth is the registry's view of an adapter's availability.
type AdapterHealth string

// Adapter health states.
const (
	HealthHealthy     AdapterHealth = "healthy"
	HealthDegraded    AdapterHealth = "degraded"
	HealthQuarantined AdapterHealth = "quarantined"
)

// AttemptOutcome classifies a single adapter consultation.
type AttemptOutcome string

// Attempt outcomes.
const (
	OutcomeSent      AttemptOutcome = "sent"
	OutcomeRetryable AttemptOutcome = "retryable_error"
	OutcomePermanent AttemptOutcome = "permanent_error"
	OutcomeTimeout   AttemptOutcome = "timeout"
)

// Attempt records one consultation of one adapter for a message/recipient
// pair. Every attempt references exactly one adapter actually called.
type Attempt struct {
	AdapterID string         `json:"adapter_id"`
	Channel   ChannelType    `json:"channel"`
	Timestamp time.Time      `json:"timestamp"`
	Outcome   AttemptOutcome `json:"outcome"`
	Error     string         `json:"error,omitempty"`
}

// DeliveryRecord is the append-only delivery history for one message and
// recipient. Owned by the status tracker.
type DeliveryRecord struct {
	MessageID         string         `json:"message_id"`
	RecipientKey      string         `json:"recipient_key"`
	Channel           ChannelType    `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	Attempts          []Attempt      `json:"attempts,omitempty"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StatusEvent is the lifecycle update emitted on every tracker transition.
type StatusEvent struct {
	MessageID    string         `json:"message_id"`
	RecipientKey string         `json:"recipient_key"`
	Channel      ChannelType    `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	Previous     DeliveryStatus `json:"previous,omitempty"`
	AdapterID    string         `json:"adapter_id,omitempty"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DLQRecord captures a delivery that exhausted every configured channel.
type DLQRecord struct {
	MessageID     string      `json:"message_id"`
	RecipientKey  string      `json:"recipient_key"`
	Channel       ChannelType `json:"channel"`
	Category      Category    `json:"category,omitempty"`
	Attempts      int         `json:"attempts"`
	LastError     string      `json:"last_error,omitempty"`
	FirstFailedAt time.Time   `json:"first_failed_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at"`
}
