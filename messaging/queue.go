package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-amqp/contracts"
)

// Queue is a handle on a declared queue
type Queue struct {
	name    string
	channel *Channel
}

// QueueOption configures queue declaration
type QueueOption func(*contracts.QueueOptions)

// WithDurable makes the queue survive a broker restart
func WithDurable(durable bool) QueueOption {
	return func(opts *contracts.QueueOptions) {
		opts.Durable = durable
	}
}

// WithAutoDelete deletes the queue once its last consumer is cancelled
func WithAutoDelete(autoDelete bool) QueueOption {
	return func(opts *contracts.QueueOptions) {
		opts.AutoDelete = autoDelete
	}
}

// WithExclusiveQueue restricts the queue to the declaring connection
func WithExclusiveQueue(exclusive bool) QueueOption {
	return func(opts *contracts.QueueOptions) {
		opts.Exclusive = exclusive
	}
}

// WithPassive only checks that the queue exists
func WithPassive(passive bool) QueueOption {
	return func(opts *contracts.QueueOptions) {
		opts.Passive = passive
	}
}

// WithQueueArguments sets broker-specific queue arguments
func WithQueueArguments(args contracts.Table) QueueOption {
	return func(opts *contracts.QueueOptions) {
		opts.Arguments = args
	}
}

// Queue declares a queue and returns a handle on it. An empty name lets the
// broker generate one.
func (ch *Channel) Queue(ctx context.Context, name string, options ...QueueOption) (*Queue, error) {
	if err := ch.ensureOpen(); err != nil {
		return nil, err
	}

	var opts contracts.QueueOptions
	for _, opt := range options {
		opt(&opts)
	}

	info, err := ch.broker.DeclareQueue(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %q: %w", name, err)
	}

	ch.logger.Debug("queue declared",
		"queue", info.Name,
		"messages", info.Messages,
		"consumers", info.Consumers,
	)
	return &Queue{name: info.Name, channel: ch}, nil
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Channel returns the channel the queue was declared on
func (q *Queue) Channel() *Channel {
	return q.channel
}

// MessageCount returns the number of messages ready for delivery. Delivered
// but unacknowledged messages are not counted.
func (q *Queue) MessageCount(ctx context.Context) (int, error) {
	info, err := q.inspect(ctx)
	if err != nil {
		return 0, err
	}
	return info.Messages, nil
}

// ConsumerCount returns the number of consumers attached to the queue
func (q *Queue) ConsumerCount(ctx context.Context) (int, error) {
	info, err := q.inspect(ctx)
	if err != nil {
		return 0, err
	}
	return info.Consumers, nil
}

func (q *Queue) inspect(ctx context.Context) (contracts.QueueInfo, error) {
	if err := q.channel.ensureOpen(); err != nil {
		return contracts.QueueInfo{}, err
	}
	info, err := q.channel.broker.InspectQueue(ctx, q.name)
	if err != nil {
		return contracts.QueueInfo{}, fmt.Errorf("failed to inspect queue %q: %w", q.name, err)
	}
	return info, nil
}

// Subscribe registers handler for the queue's deliveries; see Channel.Consume
func (q *Queue) Subscribe(ctx context.Context, handler DeliveryHandler, options ...ConsumerOption) (*Consumer, error) {
	return q.channel.Consume(ctx, q.name, handler, options...)
}

// Publish sends body to this queue through the default exchange
func (q *Queue) Publish(ctx context.Context, body []byte, options ...PublishOption) error {
	return q.channel.DefaultExchange().Publish(ctx, body, q.name, options...)
}

// Purge removes all ready messages and returns how many were removed
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if err := q.channel.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := q.channel.broker.PurgeQueue(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %q: %w", q.name, err)
	}
	return n, nil
}

// Delete deletes the queue and returns how many messages it held. The broker
// cancels any consumers still attached to it.
func (q *Queue) Delete(ctx context.Context) (int, error) {
	if err := q.channel.ensureOpen(); err != nil {
		return 0, err
	}
	n, err := q.channel.broker.DeleteQueue(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue %q: %w", q.name, err)
	}
	return n, nil
}
