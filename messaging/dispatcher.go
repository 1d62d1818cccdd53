package messaging

import (
	"context"
	"fmt"
	"time"
)

// enqueue appends d to the consumer's mailbox. It returns false once the
// consumer has been cancelled; the caller then owns the delivery.
func (c *Consumer) enqueue(d *Delivery) bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return false
	}
	c.mailbox = append(c.mailbox, d)
	c.mu.Unlock()

	c.signal()
	return true
}

func (c *Consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop marks the consumer cancelled. No handler invocation starts after stop
// returns; an invocation already running completes and the worker exits.
func (c *Consumer) stop(cause error) bool {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return false
	}
	c.cancelled = true
	c.cause = cause
	c.mu.Unlock()

	c.signal()
	return true
}

// run is the consumer's dispatch loop
func (c *Consumer) run(ctx context.Context) {
	defer c.finish()

	for {
		d, ok := c.next()
		if !ok {
			return
		}
		c.dispatch(ctx, d)
	}
}

// next blocks until a delivery is queued or the consumer is cancelled.
// The cancelled check and the dequeue happen under one lock, which is what
// guarantees no invocation starts after stop.
func (c *Consumer) next() (*Delivery, bool) {
	for {
		c.mu.Lock()
		if c.cancelled {
			c.mu.Unlock()
			return nil, false
		}
		if len(c.mailbox) > 0 {
			d := c.mailbox[0]
			c.mailbox[0] = nil
			c.mailbox = c.mailbox[1:]
			c.mu.Unlock()
			return d, true
		}
		c.mu.Unlock()

		<-c.wake
	}
}

// dispatch invokes the handler for one delivery and settles it
func (c *Consumer) dispatch(ctx context.Context, d *Delivery) {
	start := time.Now()
	err := c.invoke(ctx, d)
	c.metrics.RecordDelivery(c.queue, time.Since(start), err == nil)

	if err != nil {
		c.fail(d, err)
		return
	}

	if !c.manualAck {
		if ackErr := c.channel.settlePending(d.DeliveryTag, OutcomeAck, false); ackErr != nil {
			c.logger.Warn("failed to ack delivery",
				"deliveryTag", d.DeliveryTag,
				"error", ackErr,
			)
		}
	}
}

// invoke runs the handler, turning errors and panics into *HandlerError
func (c *Consumer) invoke(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{
				ConsumerTag: c.tag,
				DeliveryTag: d.DeliveryTag,
				Err:         fmt.Errorf("%v", r),
				Panic:       true,
			}
		}
	}()

	if herr := c.handler(ctx, d); herr != nil {
		return &HandlerError{
			ConsumerTag: c.tag,
			DeliveryTag: d.DeliveryTag,
			Err:         herr,
		}
	}
	return nil
}

// fail applies the failure policy to a delivery whose handler failed
func (c *Consumer) fail(d *Delivery, err error) {
	action := c.failurePolicy(d, err)

	c.logger.Error("delivery handler failed",
		"deliveryTag", d.DeliveryTag,
		"redelivered", d.Redelivered,
		"action", action.String(),
		"error", err,
	)

	var settleErr error
	switch action {
	case FailureAck:
		settleErr = c.channel.settlePending(d.DeliveryTag, OutcomeAck, false)
	case FailureNackDiscard:
		settleErr = c.channel.settlePending(d.DeliveryTag, OutcomeNack, false)
	case FailureCancel:
		if cancelErr := c.channel.cancel(c.tag, err, true); cancelErr != nil {
			c.logger.Warn("failed to cancel consumer after handler failure", "error", cancelErr)
		}
		settleErr = c.channel.settlePending(d.DeliveryTag, OutcomeNack, true)
	default:
		settleErr = c.channel.settlePending(d.DeliveryTag, OutcomeNack, true)
	}

	if settleErr != nil {
		c.logger.Warn("failed to settle failed delivery",
			"deliveryTag", d.DeliveryTag,
			"error", settleErr,
		)
	}
}

// finish runs once the worker exits: deliveries still queued were never
// handed to the handler and go back to the broker.
func (c *Consumer) finish() {
	c.mu.Lock()
	abandoned := c.mailbox
	c.mailbox = nil
	cause := c.cause
	c.mu.Unlock()

	requeued := c.channel.requeueAbandoned(abandoned)

	c.logger.Info("consumer stopped",
		"abandoned", len(abandoned),
		"requeued", requeued,
		"cause", cause,
	)

	if c.onCancel != nil {
		c.onCancel(c.tag, cause)
	}

	close(c.done)
	c.channel.workers.Done()
}
