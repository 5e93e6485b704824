// Package events publishes delivery lifecycle events and routed inbound
// messages to downstream consumers (status topic, dead-letter topic, and the
// inbox the conversation service reads from).
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

var errProducerNotInitialised = errors.New("events: producer not initialised")

var jsonHeaders = map[string][]byte{"content-type": []byte("application/json")}

// SyncProducer is the subset of producer behaviour the publishers need.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// KafkaStatusPublisher emits status events to a Kafka topic.
type KafkaStatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaStatusPublisher constructs a status publisher. Returns nil when no
// producer is supplied so callers can wire it optionally.
func NewKafkaStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *KafkaStatusPublisher {
	if prod == nil || topic == "" {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaStatusPublisher{producer: prod, topic: topic, logger: logger}
}

// PublishStatus writes the supplied status event to Kafka synchronously,
// keyed by message ID so per-message ordering is preserved per partition.
func (p *KafkaStatusPublisher) PublishStatus(_ context.Context, event models.StatusEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal status event: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(event.MessageID), jsonHeaders, payload); err != nil {
		return fmt.Errorf("events: publish status event: %w", err)
	}
	return nil
}

// KafkaDLQPublisher writes exhausted deliveries to the dead-letter topic.
type KafkaDLQPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaDLQPublisher constructs a DLQ publisher. Returns nil when no
// producer is supplied.
func NewKafkaDLQPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *KafkaDLQPublisher {
	if prod == nil || topic == "" {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaDLQPublisher{producer: prod, topic: topic, logger: logger}
}

// PublishDLQ writes the supplied record to Kafka synchronously.
func (p *KafkaDLQPublisher) PublishDLQ(_ context.Context, record models.DLQRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("events: marshal dlq record: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(record.MessageID), jsonHeaders, payload); err != nil {
		return fmt.Errorf("events: publish dlq record: %w", err)
	}
	return nil
}

// KafkaInboxPublisher routes normalized inbound messages to the inbox topic.
type KafkaInboxPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaInboxPublisher constructs an inbox publisher.
func NewKafkaInboxPublisher(prod SyncProducer, topic string, logger zerolog.Logger) (*KafkaInboxPublisher, error) {
	if prod == nil {
		return nil, errors.New("events: kafka inbox publisher requires a producer")
	}
	if topic == "" {
		return nil, errors.New("events: kafka inbox publisher requires a topic")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaInboxPublisher{producer: prod, topic: topic, logger: logger}, nil
}

// PublishInbound writes the canonical incoming message to the inbox topic,
// keyed by sender so one conversation stays on one partition.
func (p *KafkaInboxPublisher) PublishInbound(_ context.Context, msg *models.IncomingMessage) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if msg == nil {
		return errors.New("events: incoming message is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: marshal incoming message: %w", err)
	}
	if err := p.producer.PublishSync(p.topic, []byte(msg.From), jsonHeaders, payload); err != nil {
		return fmt.Errorf("events: publish incoming message: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying producer is owned by the caller.
func (p *KafkaInboxPublisher) Close() error { return nil }
