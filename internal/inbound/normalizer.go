// Package inbound converts adapter-specific webhook payloads into the
// canonical incoming-message shape and routes them: delivery receipts feed
// the status tracker, genuine inbound messages go to the inbox collaborator.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
	"github.com/haventree/carecomms/internal/util"
)

// ErrParse marks malformed webhook payloads. The normalizer fails closed: no
// partial incoming message is ever emitted.
var ErrParse = errors.New("inbound: malformed webhook payload")

// ReceiptSink applies delivery receipts, satisfied by the status tracker.
type ReceiptSink interface {
	ApplyReceipt(ctx context.Context, receipt *models.DeliveryReceipt) error
}

// InboxSink receives genuine new inbound messages, e.g. a Kafka topic the
// conversation service consumes.
type InboxSink interface {
	PublishInbound(ctx context.Context, msg *models.IncomingMessage) error
}

// Normalizer routes raw webhook payloads through the owning adapter's parser.
type Normalizer struct {
	registry *registry.Registry
	receipts ReceiptSink
	inbox    InboxSink
	logger   zerolog.Logger
}

// New constructs a normalizer, validating dependencies up front.
func New(reg *registry.Registry, receipts ReceiptSink, inbox InboxSink, logger zerolog.Logger) (*Normalizer, error) {
	if reg == nil {
		return nil, errors.New("inbound: registry dependency is required")
	}
	if receipts == nil {
		return nil, errors.New("inbound: receipt sink dependency is required")
	}
	if inbox == nil {
		return nil, errors.New("inbound: inbox sink dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Normalizer{
		registry: reg,
		receipts: receipts,
		inbox:    inbox,
		logger:   logger.With().Str("component", "inbound_normalizer").Logger(),
	}, nil
}

// Process parses a raw webhook payload through the originating adapter and
// routes the result. The canonical message is returned for observability.
func (n *Normalizer) Process(ctx context.Context, adapterID string, payload []byte) (*models.IncomingMessage, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrParse)
	}

	reg, err := n.registry.Get(adapterID)
	if err != nil {
		return nil, fmt.Errorf("inbound: %w", err)
	}

	msg, err := reg.Adapter().ReceiveMessage(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: adapter returned no message", ErrParse)
	}
	if msg.AdapterID == "" {
		msg.AdapterID = adapterID
	}
	if msg.ChannelType == "" {
		msg.ChannelType = reg.ChannelType
	}
	// Canonical incoming ids are UUIDv4; platform-specific or missing ids
	// are replaced so downstream consumers see a uniform shape.
	if _, err := util.ParseUUIDv4(msg.ID); err != nil {
		msg.ID = uuid.NewString()
	}

	switch msg.Kind {
	case models.IncomingReceiptKind:
		if msg.Receipt == nil {
			return nil, fmt.Errorf("%w: receipt payload without receipt body", ErrParse)
		}
		if err := n.receipts.ApplyReceipt(ctx, msg.Receipt); err != nil {
			// At-least-once webhook delivery: receipts for unknown messages
			// are logged and dropped, not bounced back to the platform.
			n.logger.Warn().
				Str("adapter_id", adapterID).
				Str("message_id", msg.Receipt.MessageID).
				Err(err).
				Msg("delivery receipt not applied")
		}
		return msg, nil
	case models.IncomingMessageKind:
		if err := n.inbox.PublishInbound(ctx, msg); err != nil {
			return nil, fmt.Errorf("inbound: route to inbox: %w", err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown incoming kind %q", ErrParse, msg.Kind)
	}
}
