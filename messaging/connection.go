package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
)

// Connection multiplexes channels over one broker transport. It installs
// itself as the transport's frame handler and routes inbound frames to
// channels by id.
type Connection struct {
	broker contracts.Broker
	cfg    connectionConfig
	logger *slog.Logger

	mu       sync.Mutex
	channels map[uint16]*Channel
	closed   bool
}

// NewConnection creates a connection on top of broker
func NewConnection(broker contracts.Broker, options ...ConnectionOption) *Connection {
	cfg := defaultConnectionConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	c := &Connection{
		broker:   broker,
		cfg:      cfg,
		logger:   cfg.logger,
		channels: make(map[uint16]*Channel),
	}
	broker.OnFrame(c.dispatch)
	return c
}

// Broker returns the underlying broker
func (c *Connection) Broker() contracts.Broker {
	return c.broker
}

// Channel opens a new channel. Ids are allocated from 1 and reused once a
// channel is closed.
func (c *Connection) Channel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	id, ok := c.allocate()
	if !ok {
		c.mu.Unlock()
		return nil, ErrChannelIDExhausted
	}
	ch := newChannel(c, id, c.cfg)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := c.broker.Send(ctx, &contracts.ChannelOpen{Channel: id}); err != nil {
		c.release(id)
		return nil, &ChannelError{Op: "open", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	c.logger.Debug("channel opened", "channel", id)
	return ch, nil
}

// OpenChannels returns the number of channels not yet closed
func (c *Connection) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Close closes every channel and then the transport
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.snapshot()
	c.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("connection closed", "channels", len(channels))
	return errors.Join(errs...)
}

// allocate returns the lowest free channel id. Caller holds c.mu.
func (c *Connection) allocate() (uint16, bool) {
	for id := uint16(1); id <= c.cfg.maxChannels; id++ {
		if _, used := c.channels[id]; !used {
			return id, true
		}
		if id == ^uint16(0) {
			break
		}
	}
	return 0, false
}

func (c *Connection) release(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

func (c *Connection) snapshot() []*Channel {
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// dispatch is the transport's frame handler
func (c *Connection) dispatch(frame contracts.Frame) {
	if f, ok := frame.(*contracts.ConnectionClose); ok {
		c.lost(f)
		return
	}

	c.mu.Lock()
	ch, ok := c.channels[frame.ChannelID()]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("frame for unknown channel", "frame", frame.String())
		return
	}
	ch.handleFrame(frame)
}

// lost closes every channel after the transport reported the connection
// gone. The connection itself stays usable: a reconnecting transport accepts
// new channels afterwards.
func (c *Connection) lost(f *contracts.ConnectionClose) {
	cause := closedError(contracts.NewError(f.ReplyCode, f.ReplyText, true))

	c.mu.Lock()
	channels := c.snapshot()
	c.mu.Unlock()

	c.logger.Warn("connection lost",
		"replyCode", f.ReplyCode,
		"replyText", f.ReplyText,
		"channels", len(channels),
	)

	for _, ch := range channels {
		ch.terminate(cause)
	}
}
