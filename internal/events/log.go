package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
)

// LogInboxPublisher writes inbound messages to the structured log. It is the
// backend for local development and for deployments that have no broker yet.
type LogInboxPublisher struct {
	logger zerolog.Logger
}

// NewLogInboxPublisher constructs a log-only inbox publisher.
func NewLogInboxPublisher(logger zerolog.Logger) *LogInboxPublisher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogInboxPublisher{logger: logger.With().Str("component", "log_inbox_publisher").Logger()}
}

// PublishInbound logs the full canonical message at info level.
func (p *LogInboxPublisher) PublishInbound(_ context.Context, msg *models.IncomingMessage) error {
	if msg == nil {
		return errors.New("events: incoming message is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: marshal incoming message: %w", err)
	}
	p.logger.Info().
		Str("adapter_id", msg.AdapterID).
		Str("channel", string(msg.ChannelType)).
		RawJSON("message", payload).
		Msg("inbound message received")
	return nil
}

// Close is a no-op.
func (p *LogInboxPublisher) Close() error { return nil }
