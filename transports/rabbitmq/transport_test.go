package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOfflineTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := defaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := newTransport(cfg)
	t.Cleanup(func() { tr.Close() })
	return tr
}

type inbox struct {
	mu     sync.Mutex
	frames []contracts.Frame
}

func (i *inbox) handle(f contracts.Frame) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.frames = append(i.frames, f)
}

func (i *inbox) snapshot() []contracts.Frame {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]contracts.Frame(nil), i.frames...)
}

func TestTransportSend(t *testing.T) {
	t.Run("unknown channel is a channel error", func(t *testing.T) {
		tr := newOfflineTransport(t)

		err := tr.Send(context.Background(), &contracts.BasicAck{Channel: 3, DeliveryTag: 1})
		assert.Equal(t, contracts.ChannelError, contracts.ReplyCode(err))
	})

	t.Run("inbound-only frames are refused", func(t *testing.T) {
		tr := newOfflineTransport(t)

		err := tr.Send(context.Background(), &contracts.BasicDeliver{Channel: 1})
		assert.True(t, errors.Is(err, ErrUnsupportedFrame))

		err = tr.Send(context.Background(), &contracts.ConnectionClose{})
		assert.True(t, errors.Is(err, ErrUnsupportedFrame))
	})

	t.Run("closed transport refuses frames", func(t *testing.T) {
		tr := newOfflineTransport(t)
		require.NoError(t, tr.Close())
		assert.NoError(t, tr.Close())

		err := tr.Send(context.Background(), &contracts.ChannelOpen{Channel: 1})
		assert.Equal(t, contracts.ConnectionForced, contracts.ReplyCode(err))
		assert.False(t, tr.IsConnected())
	})
}

func TestTransportConnectionLoss(t *testing.T) {
	tr := newOfflineTransport(t)
	in := &inbox{}
	tr.OnFrame(in.handle)

	tr.OnDisconnected(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - shutdown", Server: true})
	tr.OnDisconnected(errors.New("max reconnection attempts exceeded"))

	require.Eventually(t, func() bool { return len(in.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	frames := in.snapshot()
	first, ok := frames[0].(*contracts.ConnectionClose)
	require.True(t, ok)
	assert.Equal(t, contracts.ConnectionForced, first.ReplyCode)
	assert.Equal(t, "CONNECTION_FORCED - shutdown", first.ReplyText)

	second, ok := frames[1].(*contracts.ConnectionClose)
	require.True(t, ok)
	assert.Equal(t, contracts.ConnectionForced, second.ReplyCode)
	assert.Contains(t, second.ReplyText, "max reconnection")
}

func TestTransportReaderPreservesOrder(t *testing.T) {
	tr := newOfflineTransport(t)
	in := &inbox{}
	tr.OnFrame(in.handle)

	for tag := uint64(1); tag <= 50; tag++ {
		tr.push(&contracts.BasicDeliver{Channel: 1, ConsumerTag: "c", DeliveryTag: tag})
	}

	require.Eventually(t, func() bool { return len(in.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, f := range in.snapshot() {
		assert.Equal(t, uint64(i+1), f.(*contracts.BasicDeliver).DeliveryTag)
	}
}

func TestPropertyMapping(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	props := contracts.Properties{
		ContentType:   "application/json",
		Headers:       contracts.Table{"attempt": int32(2)},
		DeliveryMode:  contracts.Persistent,
		Priority:      4,
		CorrelationID: "corr",
		ReplyTo:       "replies",
		Expiration:    "60000",
		MessageID:     "m-1",
		Timestamp:     stamp,
		Type:          "order.created",
		AppID:         "mmate-amqp",
	}

	pub := toPublishing(props, []byte("hello"))
	assert.Equal(t, "corr", pub.CorrelationId)
	assert.Equal(t, "m-1", pub.MessageId)
	assert.Equal(t, uint8(2), pub.DeliveryMode)
	assert.Equal(t, int32(2), pub.Headers["attempt"])
	assert.Equal(t, []byte("hello"), pub.Body)

	deliver := fromDelivery(7, amqp.Delivery{
		ConsumerTag:   "ctag",
		DeliveryTag:   42,
		Redelivered:   true,
		Exchange:      "orders",
		RoutingKey:    "order.created",
		ContentType:   pub.ContentType,
		Headers:       pub.Headers,
		DeliveryMode:  pub.DeliveryMode,
		Priority:      pub.Priority,
		CorrelationId: pub.CorrelationId,
		ReplyTo:       pub.ReplyTo,
		Expiration:    pub.Expiration,
		MessageId:     pub.MessageId,
		Timestamp:     pub.Timestamp,
		Type:          pub.Type,
		AppId:         pub.AppId,
		Body:          pub.Body,
	})

	assert.Equal(t, uint16(7), deliver.Channel)
	assert.Equal(t, "ctag", deliver.ConsumerTag)
	assert.Equal(t, uint64(42), deliver.DeliveryTag)
	assert.True(t, deliver.Redelivered)
	assert.Equal(t, "orders", deliver.Exchange)
	assert.Equal(t, props, deliver.Properties)
	assert.Equal(t, "hello", string(deliver.Body))
}
