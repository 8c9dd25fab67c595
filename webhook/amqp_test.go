//go:build unit

package webhook

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declaredExchange string
	declaredKind     string
	declareErr       error

	publishedExchange string
	publishedKey      string
	published         amqp.Publishing
	publishErr        error
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declaredExchange = name
	c.declaredKind = kind

	return c.declareErr
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.publishedExchange = exchange
	c.publishedKey = key
	c.published = msg

	return c.publishErr
}

func TestNewAMQPPublisher(t *testing.T) {
	t.Parallel()

	_, err := NewAMQPPublisher(nil)
	require.ErrorIs(t, err, ErrNilChannel)

	channel := &fakeChannel{}
	publisher, err := NewAMQPPublisher(channel, WithExchange("ledger.events"))
	require.NoError(t, err)
	require.Equal(t, "ledger.events", channel.declaredExchange)
	require.Equal(t, "topic", channel.declaredKind)
	require.NotNil(t, publisher)

	channel.declareErr = errors.New("declare failed")
	_, err = NewAMQPPublisher(channel)
	require.Error(t, err)
}

func TestAMQPPublisherPublish(t *testing.T) {
	t.Parallel()

	channel := &fakeChannel{}
	publisher, err := NewAMQPPublisher(channel)
	require.NoError(t, err)

	err = publisher.Publish(context.Background(), "transaction.confirmed", []byte(`{"id":1}`))
	require.NoError(t, err)

	require.Equal(t, defaultEventExchange, channel.publishedExchange)
	require.Equal(t, "transaction.confirmed", channel.publishedKey)
	require.Equal(t, "transaction.confirmed", channel.published.Type)
	require.Equal(t, uint8(amqp.Persistent), channel.published.DeliveryMode)
	require.Equal(t, []byte(`{"id":1}`), channel.published.Body)
	require.NotEmpty(t, channel.published.MessageId)

	err = publisher.Publish(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrEmptyEventType)
}
