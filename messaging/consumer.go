package messaging

import (
	"log/slog"
	"sync"

	"github.com/glimte/mmate-amqp/contracts"
)

// Consumer is a registered subscription on a channel: a tag, a queue and the
// handler its deliveries are dispatched to. Deliveries are queued in a
// per-consumer mailbox and handled by one worker goroutine, so a consumer
// sees its deliveries one at a time and in broker order.
type Consumer struct {
	tag           string
	queue         string
	channel       *Channel
	handler       DeliveryHandler
	manualAck     bool
	exclusive     bool
	arguments     contracts.Table
	failurePolicy FailurePolicy
	onCancel      func(tag string, cause error)
	logger        *slog.Logger
	metrics       MetricsCollector

	mu        sync.Mutex
	mailbox   []*Delivery
	wake      chan struct{}
	cancelled bool
	cause     error
	done      chan struct{}
}

func newConsumer(ch *Channel, queue, tag string, handler DeliveryHandler, opts consumerOptions) *Consumer {
	return &Consumer{
		tag:           tag,
		queue:         queue,
		channel:       ch,
		handler:       handler,
		manualAck:     opts.manualAck,
		exclusive:     opts.exclusive,
		arguments:     opts.arguments,
		failurePolicy: opts.failurePolicy,
		onCancel:      opts.onCancel,
		logger:        ch.logger.With("consumerTag", tag, "queue", queue),
		metrics:       ch.metrics,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.tag
}

// Queue returns the queue the consumer is attached to
func (c *Consumer) Queue() string {
	return c.queue
}

// Channel returns the owning channel
func (c *Consumer) Channel() *Channel {
	return c.channel
}

// ManualAck reports whether the consumer acknowledges manually
func (c *Consumer) ManualAck() bool {
	return c.manualAck
}

// Exclusive reports whether the consumer holds its queue exclusively
func (c *Consumer) Exclusive() bool {
	return c.exclusive
}

// Active reports whether the consumer still receives deliveries
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cancelled
}

// Done is closed once the consumer is cancelled and its last handler
// invocation has returned
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Err returns why the consumer stopped: nil after a client cancel,
// ErrConsumerCancelled after a broker cancel, an error matching
// ErrChannelClosed after the channel went away, or the *HandlerError that
// triggered a FailureCancel.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Cancel cancels the consumer. It is idempotent and safe to call from the
// consumer's own handler: the handler is never invoked again once Cancel
// returns, and Done is closed after the current invocation finishes.
func (c *Consumer) Cancel() error {
	return c.channel.cancel(c.tag, nil, true)
}

// Pending returns the number of deliveries waiting in the mailbox
func (c *Consumer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mailbox)
}
