package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
)

// Inbox backend identifiers.
const (
	BackendKafka = "kafka"
	BackendAMQP  = "amqp"
	BackendLog   = "log"
)

// InboxPublisher is the destination for normalized inbound messages.
type InboxPublisher interface {
	PublishInbound(ctx context.Context, msg *models.IncomingMessage) error
	Close() error
}

// InboxOptions carries the backend-specific settings the factory needs.
type InboxOptions struct {
	// Kafka backend.
	Producer SyncProducer
	Topic    string

	// AMQP backend.
	AMQPURL      string
	AMQPExchange string
	AMQPKey      string
}

// NewInboxPublisher constructs the inbox backend named by the configuration.
func NewInboxPublisher(backend string, opts InboxOptions, logger zerolog.Logger) (InboxPublisher, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendKafka:
		return NewKafkaInboxPublisher(opts.Producer, opts.Topic, logger)
	case BackendAMQP:
		return NewAMQPInboxPublisher(opts.AMQPURL, opts.AMQPExchange, opts.AMQPKey, logger)
	case BackendLog, "":
		return NewLogInboxPublisher(logger), nil
	default:
		return nil, fmt.Errorf("events: unsupported inbox backend %q", backend)
	}
}
