package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultEventExchange = "vaultledger.events"
	defaultExchangeType  = "topic"
)

var (
	// ErrNilChannel is returned when a publisher is constructed without a channel.
	ErrNilChannel = errors.New("amqp channel is nil")
)

// AMQPChannel defines the AMQP channel operations the publisher needs.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// EventPublisher fans ledger events out to a message broker in addition
// to the per-subscription HTTP deliveries. Consumers subscribe with
// topic routing keys matching event types.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// AMQPPublisher publishes events to a durable topic exchange. The
// routing key is the event type, so consumers can bind selectively.
type AMQPPublisher struct {
	channel  AMQPChannel
	exchange string
}

var _ EventPublisher = (*AMQPPublisher)(nil)

// AMQPPublisherOption customizes an AMQPPublisher.
type AMQPPublisherOption func(*AMQPPublisher)

// WithExchange overrides the exchange name.
func WithExchange(name string) AMQPPublisherOption {
	return func(p *AMQPPublisher) {
		if name != "" {
			p.exchange = name
		}
	}
}

// NewAMQPPublisher declares the topic exchange and returns a publisher.
func NewAMQPPublisher(channel AMQPChannel, opts ...AMQPPublisherOption) (*AMQPPublisher, error) {
	if channel == nil {
		return nil, ErrNilChannel
	}

	publisher := &AMQPPublisher{
		channel:  channel,
		exchange: defaultEventExchange,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	err := channel.ExchangeDeclare(
		publisher.exchange,
		defaultExchangeType,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", publisher.exchange, err)
	}

	return publisher, nil
}

// Publish sends one persistent JSON message keyed by event type.
func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		eventType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Type:         eventType,
			Body:         payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event %q: %w", eventType, err)
	}

	return nil
}
