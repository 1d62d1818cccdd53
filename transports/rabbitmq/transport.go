package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnsupportedFrame is returned by Send for frames the client never sends
var ErrUnsupportedFrame = errors.New("rabbitmq: unsupported frame")

// Transport implements contracts.Broker for RabbitMQ. Every logical
// channel maps to one amqp091 channel; inbound frames are handed to the
// frame handler by a single reader goroutine.
type Transport struct {
	manager  *rabbitmq.ConnectionManager
	pool     *rabbitmq.ChannelPool
	topology *rabbitmq.TopologyManager
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[uint16]*amqp.Channel
	handler  contracts.FrameHandler

	inbound   chan contracts.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger            *slog.Logger
	ReconnectDelay    time.Duration
	MaxRetries        int
	ConnectTimeout    time.Duration
	PoolSize          int
	InboundBufferSize int
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithReconnectDelay sets the initial delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReconnectDelay = delay
	}
}

// WithMaxRetries limits reconnect attempts; zero or less retries forever
func WithMaxRetries(retries int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithPoolSize sets how many channels are kept for queue administration
func WithPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = size
	}
}

// WithInboundBufferSize sets how many inbound frames may wait for the reader
func WithInboundBufferSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.InboundBufferSize = size
	}
}

func defaultConfig() *TransportConfig {
	return &TransportConfig{
		Logger:            slog.Default(),
		ReconnectDelay:    5 * time.Second,
		MaxRetries:        -1,
		ConnectTimeout:    30 * time.Second,
		PoolSize:          4,
		InboundBufferSize: 256,
	}
}

// NewTransport connects to RabbitMQ
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(cfg)
	}

	t := newTransport(cfg)

	t.manager = rabbitmq.NewConnectionManager(connectionString,
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.MaxRetries),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout),
	)
	t.manager.AddStateListener(t)

	if err := t.manager.Connect(context.Background()); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(t.manager,
		rabbitmq.WithMaxSize(cfg.PoolSize),
		rabbitmq.WithMinSize(1),
		rabbitmq.WithChannelLogger(cfg.Logger),
	)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	t.pool = pool
	t.topology = rabbitmq.NewTopologyManager(pool)

	return t, nil
}

func newTransport(cfg *TransportConfig) *Transport {
	t := &Transport{
		logger:   cfg.Logger,
		channels: make(map[uint16]*amqp.Channel),
		inbound:  make(chan contracts.Frame, cfg.InboundBufferSize),
		done:     make(chan struct{}),
	}
	go t.read()
	return t
}

// OnFrame implements contracts.Transport
func (t *Transport) OnFrame(handler contracts.FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send implements contracts.Transport
func (t *Transport) Send(ctx context.Context, frame contracts.Frame) error {
	select {
	case <-t.done:
		return contracts.NewError(contracts.ConnectionForced, "transport closed", false)
	default:
	}

	switch f := frame.(type) {
	case *contracts.ChannelOpen:
		return t.openChannel(f.Channel)
	case *contracts.BasicDeliver, *contracts.ConnectionClose:
		return fmt.Errorf("%w: %s", ErrUnsupportedFrame, frame)
	}

	ch, err := t.channel(frame.ChannelID())
	if err != nil {
		return err
	}

	switch f := frame.(type) {
	case *contracts.ChannelClose:
		t.forget(f.Channel, ch)
		err = ch.Close()
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}
	case *contracts.BasicQos:
		err = ch.Qos(f.PrefetchCount, 0, false)
	case *contracts.BasicConsume:
		err = t.consume(ch, f)
	case *contracts.BasicCancel:
		err = ch.Cancel(f.ConsumerTag, false)
	case *contracts.BasicAck:
		err = ch.Ack(f.DeliveryTag, f.Multiple)
	case *contracts.BasicNack:
		err = ch.Nack(f.DeliveryTag, f.Multiple, f.Requeue)
	case *contracts.BasicReject:
		err = ch.Reject(f.DeliveryTag, f.Requeue)
	case *contracts.BasicPublish:
		err = ch.PublishWithContext(ctx, f.Exchange, f.RoutingKey, f.Mandatory, false, toPublishing(f.Properties, f.Body))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFrame, frame)
	}

	return rabbitmq.ProtocolError(err)
}

// Close implements contracts.Transport
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		channels := t.channels
		t.channels = make(map[uint16]*amqp.Channel)
		t.mu.Unlock()

		for _, ch := range channels {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if t.pool != nil {
			errs = append(errs, t.pool.Close())
		}
		if t.manager != nil {
			errs = append(errs, t.manager.Close())
		}
	})
	return errors.Join(errs...)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager != nil && t.manager.IsConnected()
}

func (t *Transport) openChannel(id uint16) error {
	conn, err := t.manager.GetConnection()
	if err != nil {
		return contracts.NewError(contracts.ConnectionForced, err.Error(), false)
	}

	ch, err := conn.Channel()
	if err != nil {
		return rabbitmq.ProtocolError(err)
	}

	t.mu.Lock()
	if _, ok := t.channels[id]; ok {
		t.mu.Unlock()
		ch.Close()
		return contracts.NewError(contracts.ChannelError, fmt.Sprintf("channel %d already open", id), false)
	}
	t.channels[id] = ch
	t.mu.Unlock()

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 16))
	go t.watchChannel(id, ch, closes, cancels)

	t.logger.Debug("channel opened", "channel", id)
	return nil
}

func (t *Transport) channel(id uint16) (*amqp.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.channels[id]
	if !ok {
		return nil, contracts.NewError(contracts.ChannelError, fmt.Sprintf("unknown channel %d", id), false)
	}
	return ch, nil
}

// forget removes the channel if id still maps to ch. It reports whether
// it did.
func (t *Transport) forget(id uint16, ch *amqp.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.channels[id]; ok && current == ch {
		delete(t.channels, id)
		return true
	}
	return false
}

// consume starts a broker consumer with manual acknowledgement and pumps
// its deliveries into the inbound queue
func (t *Transport) consume(ch *amqp.Channel, f *contracts.BasicConsume) error {
	deliveries, err := ch.Consume(
		f.Queue,
		f.ConsumerTag,
		false, // auto-ack is decided by the client
		f.Exclusive,
		false, // no-local
		false, // no-wait
		amqp.Table(f.Arguments),
	)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			t.push(fromDelivery(f.Channel, d))
		}
	}()
	return nil
}

// watchChannel turns server-initiated cancels and closes into inbound frames
func (t *Transport) watchChannel(id uint16, ch *amqp.Channel, closes <-chan *amqp.Error, cancels <-chan string) {
	for {
		select {
		case tag, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			t.logger.Warn("consumer cancelled by broker", "channel", id, "consumerTag", tag)
			t.push(&contracts.BasicCancel{Channel: id, ConsumerTag: tag})

		case err, ok := <-closes:
			if !ok || err == nil {
				return
			}
			if t.forget(id, ch) {
				t.logger.Warn("channel closed by broker", "channel", id, "code", err.Code, "reason", err.Reason)
				t.push(&contracts.ChannelClose{Channel: id, ReplyCode: err.Code, ReplyText: err.Reason})
			}
			return

		case <-t.done:
			return
		}
	}
}

func (t *Transport) push(frame contracts.Frame) {
	select {
	case t.inbound <- frame:
	case <-t.done:
	}
}

// read hands inbound frames to the handler in arrival order
func (t *Transport) read() {
	for {
		select {
		case frame := <-t.inbound:
			t.mu.Lock()
			handler := t.handler
			t.mu.Unlock()

			if handler != nil {
				handler(frame)
			}
		case <-t.done:
			return
		}
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {
	t.logger.Info("rabbitmq transport connected")
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. Every channel
// died with the connection; the client is told once on channel 0.
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	t.channels = make(map[uint16]*amqp.Channel)
	t.mu.Unlock()

	code := contracts.ReplyCode(rabbitmq.ProtocolError(err))
	if code == 0 {
		code = contracts.ConnectionForced
	}
	reason := "connection lost"
	if err != nil {
		reason = err.Error()
	}

	t.push(&contracts.ConnectionClose{ReplyCode: code, ReplyText: reason})
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("rabbitmq transport reconnecting", "attempt", attempt)
}
