package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestExchangePublish(t *testing.T) {
	ctx := context.Background()

	t.Run("default exchange routes by key", func(t *testing.T) {
		ch, broker := newMockChannel(t)

		require.NoError(t, ch.DefaultExchange().Publish(ctx, []byte("hello"), "greetings"))

		published := sentOf[*contracts.BasicPublish](broker)
		require.Len(t, published, 1)
		assert.Equal(t, ch.ID(), published[0].Channel)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "greetings", published[0].RoutingKey)
		assert.Equal(t, []byte("hello"), published[0].Body)
		assert.NotEmpty(t, published[0].Properties.MessageID)
		assert.False(t, published[0].Properties.Timestamp.IsZero())
	})

	t.Run("options shape the properties", func(t *testing.T) {
		ch, broker := newMockChannel(t)
		x := ch.Exchange("events")
		assert.Equal(t, "events", x.Name())

		err := x.Publish(ctx, []byte(`{}`), "order.created",
			WithMandatory(true),
			WithContentType("application/json"),
			WithHeaders(contracts.Table{"tenant": "acme"}),
			WithHeaders(contracts.Table{"attempt": 1}),
			WithMessageID("msg-1"),
			WithPersistent(true),
			WithCorrelationID("corr-1"),
			WithReplyTo("replies"),
			WithPriority(5),
			WithTTL(1500*time.Millisecond),
		)
		require.NoError(t, err)

		published := sentOf[*contracts.BasicPublish](broker)
		require.Len(t, published, 1)
		f := published[0]
		assert.Equal(t, "events", f.Exchange)
		assert.True(t, f.Mandatory)

		props := f.Properties
		assert.Equal(t, "application/json", props.ContentType)
		assert.Equal(t, contracts.Table{"tenant": "acme", "attempt": 1}, props.Headers)
		assert.Equal(t, "msg-1", props.MessageID)
		assert.Equal(t, contracts.Persistent, props.DeliveryMode)
		assert.Equal(t, "corr-1", props.CorrelationID)
		assert.Equal(t, "replies", props.ReplyTo)
		assert.Equal(t, uint8(5), props.Priority)
		assert.Equal(t, "1500", props.Expiration)
	})

	t.Run("properties are copied", func(t *testing.T) {
		ch, broker := newMockChannel(t)
		base := contracts.Properties{Type: "invoice", Headers: contracts.Table{"a": 1}}

		require.NoError(t, ch.DefaultExchange().Publish(ctx, nil, "q", WithProperties(base), WithHeaders(contracts.Table{"b": 2})))

		published := sentOf[*contracts.BasicPublish](broker)
		require.Len(t, published, 1)
		assert.Equal(t, "invoice", published[0].Properties.Type)
		assert.Len(t, published[0].Properties.Headers, 2)
		assert.Len(t, base.Headers, 1)
	})

	t.Run("transient by request", func(t *testing.T) {
		ch, broker := newMockChannel(t)
		require.NoError(t, ch.DefaultExchange().Publish(ctx, nil, "q", WithPersistent(false)))
		assert.Equal(t, contracts.Transient, sentOf[*contracts.BasicPublish](broker)[0].Properties.DeliveryMode)
	})

	t.Run("closed channel", func(t *testing.T) {
		ch, broker := newMockChannel(t)
		require.NoError(t, ch.Close())

		err := ch.DefaultExchange().Publish(ctx, []byte("late"), "q")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrChannelClosed)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "q", pubErr.RoutingKey)
		assert.Empty(t, sentOf[*contracts.BasicPublish](broker))
	})

	t.Run("transport failure is a publish error", func(t *testing.T) {
		broker := &mockBroker{}
		broker.On("Send", mock.Anything, mock.AnythingOfType("*contracts.BasicPublish")).Return(errors.New("socket closed"))
		broker.On("Send", mock.Anything, mock.Anything).Return(nil)

		conn := NewConnection(broker, WithLogger(quietLogger()))
		ch, err := conn.Channel(ctx)
		require.NoError(t, err)

		err = ch.Exchange("events").Publish(ctx, []byte("x"), "k")
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Exchange)
		assert.EqualError(t, pubErr.Err, "socket closed")
	})
}

func TestQueuePublish(t *testing.T) {
	ctx := context.Background()
	ch, broker := newMockChannel(t)
	broker.On("DeclareQueue", mock.Anything, "jobs", mock.Anything).Return(contracts.QueueInfo{Name: "jobs"}, nil)

	q, err := ch.Queue(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, []byte("work"), WithContentType("text/plain")))

	published := sentOf[*contracts.BasicPublish](broker)
	require.Len(t, published, 1)
	assert.Equal(t, "", published[0].Exchange)
	assert.Equal(t, "jobs", published[0].RoutingKey)
	assert.Equal(t, "text/plain", published[0].Properties.ContentType)
}
