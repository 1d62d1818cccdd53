package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/google/uuid"
)

// Exchange is a publishing handle bound to a channel. The empty name is the
// default exchange, which routes by queue name.
type Exchange struct {
	name    string
	channel *Channel
}

// DefaultExchange returns a handle on the default exchange
func (ch *Channel) DefaultExchange() *Exchange {
	return &Exchange{channel: ch}
}

// Exchange returns a handle on a named exchange. The exchange is not
// declared; publishing to a missing exchange is reported by the broker.
func (ch *Channel) Exchange(name string) *Exchange {
	return &Exchange{name: name, channel: ch}
}

// Name returns the exchange name
func (x *Exchange) Name() string {
	return x.name
}

// PublishOptions configures message publishing
type PublishOptions struct {
	Mandatory  bool
	Properties contracts.Properties
	TTL        time.Duration
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithMandatory asks the broker to return the message if it is unroutable
func WithMandatory(mandatory bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Mandatory = mandatory
	}
}

// WithProperties replaces the message properties wholesale
func WithProperties(props contracts.Properties) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties = props.Clone()
	}
}

// WithContentType sets the content type
func WithContentType(contentType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties.ContentType = contentType
	}
}

// WithHeaders merges custom headers
func WithHeaders(headers contracts.Table) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Properties.Headers == nil {
			opts.Properties.Headers = make(contracts.Table, len(headers))
		}
		for k, v := range headers {
			opts.Properties.Headers[k] = v
		}
	}
}

// WithMessageID sets the message ID; a random one is generated otherwise
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties.MessageID = id
	}
}

// WithPersistent sets the message as persistent
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		if persistent {
			opts.Properties.DeliveryMode = contracts.Persistent
		} else {
			opts.Properties.DeliveryMode = contracts.Transient
		}
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(correlationID string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties.CorrelationID = correlationID
	}
}

// WithReplyTo sets the reply-to queue
func WithReplyTo(replyTo string) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties.ReplyTo = replyTo
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Properties.Priority = priority
	}
}

// WithTTL sets the message time-to-live
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// Publish sends body to the exchange with routingKey. It does not wait for
// the broker to confirm the message. It fails with ErrChannelClosed unless
// the channel is open.
func (x *Exchange) Publish(ctx context.Context, body []byte, routingKey string, options ...PublishOption) error {
	ch := x.channel
	if err := ch.ensureOpen(); err != nil {
		return &PublishError{Exchange: x.name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	opts := PublishOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	props := opts.Properties
	if props.MessageID == "" {
		props.MessageID = uuid.NewString()
	}
	if props.Timestamp.IsZero() {
		props.Timestamp = time.Now().UTC()
	}
	if opts.TTL > 0 {
		props.Expiration = fmt.Sprintf("%d", opts.TTL.Milliseconds())
	}

	frame := &contracts.BasicPublish{
		Channel:    ch.id,
		Exchange:   x.name,
		RoutingKey: routingKey,
		Mandatory:  opts.Mandatory,
		Properties: props,
		Body:       body,
	}
	if err := ch.broker.Send(ctx, frame); err != nil {
		ch.logger.Error("failed to publish message",
			"messageId", props.MessageID,
			"exchange", x.name,
			"routingKey", routingKey,
			"error", err,
		)
		return &PublishError{Exchange: x.name, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	ch.logger.Debug("message published",
		"messageId", props.MessageID,
		"exchange", x.name,
		"routingKey", routingKey,
		"size", len(body),
	)
	return nil
}
