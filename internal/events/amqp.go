package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
)

// AMQPInboxPublisher routes normalized inbound messages through a RabbitMQ
// topic exchange for deployments that run without Kafka.
type AMQPInboxPublisher struct {
	conn       *amqp091.Connection
	exchange   string
	routingKey string
	logger     zerolog.Logger
}

// NewAMQPInboxPublisher dials the broker and declares the durable topic
// exchange. Confirms are enabled per publish, on the publishing channel.
func NewAMQPInboxPublisher(url, exchange, routingKey string, logger zerolog.Logger) (*AMQPInboxPublisher, error) {
	if url == "" {
		return nil, errors.New("events: amqp inbox publisher requires a broker url")
	}
	if exchange == "" {
		return nil, errors.New("events: amqp inbox publisher requires an exchange")
	}
	if routingKey == "" {
		routingKey = "inbound.message"
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange %q: %w", exchange, err)
	}

	return &AMQPInboxPublisher{
		conn:       conn,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With().Str("component", "amqp_inbox_publisher").Logger(),
	}, nil
}

// PublishInbound publishes the message persistently on a short-lived channel
// and waits for the broker's confirm before reporting success.
func (p *AMQPInboxPublisher) PublishInbound(ctx context.Context, msg *models.IncomingMessage) error {
	if msg == nil {
		return errors.New("events: incoming message is required")
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("events: enable publisher confirms: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("events: marshal incoming message: %w", err)
	}

	msgID := msg.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, p.routingKey, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("events: publish incoming message: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("events: await publisher confirm: %w", err)
	}
	if !acked {
		return errors.New("events: broker nacked incoming message")
	}

	p.logger.Debug().
		Str("exchange", p.exchange).
		Str("routing_key", p.routingKey).
		Str("adapter_id", msg.AdapterID).
		Msg("inbound message published")
	return nil
}

// Close releases the broker connection.
func (p *AMQPInboxPublisher) Close() error {
	return p.conn.Close()
}
