package models

import "time"

// IncomingKind separates genuine inbound messages from delivery receipts.
type IncomingKind string

// Incoming payload kinds.
const (
	IncomingMessageKind IncomingKind = "message"
	IncomingReceiptKind IncomingKind = "receipt"
)

// DeliveryReceipt is a status update for a previously sent message, reported
// by the channel platform through the adapter's webhook.
type DeliveryReceipt struct {
	MessageID         string         `json:"message_id"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	RecipientKey      string         `json:"recipient_key,omitempty"`
	Status            DeliveryStatus `json:"status"`
	Timestamp         time.Time      `json:"timestamp"`
}

// IncomingMessage is the canonical shape an adapter produces from a raw
// webhook payload. For Kind == IncomingReceiptKind only Receipt is set; for
// genuine inbound messages Receipt is nil.
type IncomingMessage struct {
	ID          string           `json:"id"`
	AdapterID   string           `json:"adapter_id"`
	ChannelType ChannelType      `json:"channel_type"`
	Kind        IncomingKind     `json:"kind"`
	From        string           `json:"from,omitempty"`
	FromUserID  string           `json:"from_user_id,omitempty"`
	Type        MessageType      `json:"type,omitempty"`
	Content     Content          `json:"content,omitempty"`
	Receipt     *DeliveryReceipt `json:"receipt,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
}
