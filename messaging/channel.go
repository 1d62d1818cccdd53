package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/google/uuid"
)

type channelState int

const (
	stateOpen channelState = iota
	stateClosing
	stateClosed
)

// Channel is a logical session multiplexed over a connection. It owns the
// consumers registered on it and the set of deliveries awaiting
// acknowledgement.
type Channel struct {
	id            uint16
	conn          *Connection
	broker        contracts.Broker
	logger        *slog.Logger
	metrics       MetricsCollector
	drainTimeout  time.Duration
	failurePolicy FailurePolicy

	// ackMu orders acknowledgement frames: resolve and send happen under it
	ackMu sync.Mutex

	mu        sync.Mutex
	state     channelState
	closeErr  error
	consumers *consumerRegistry
	acks      *AckTracker
	workers   sync.WaitGroup
	closed    chan struct{}
}

func newChannel(conn *Connection, id uint16, cfg connectionConfig) *Channel {
	return &Channel{
		id:            id,
		conn:          conn,
		broker:        conn.broker,
		logger:        cfg.logger.With("channel", id),
		metrics:       cfg.metrics,
		drainTimeout:  cfg.drainTimeout,
		failurePolicy: cfg.failurePolicy,
		state:         stateOpen,
		consumers:     newConsumerRegistry(),
		acks:          NewAckTracker(),
		closed:        make(chan struct{}),
	}
}

// ID returns the channel number
func (ch *Channel) ID() uint16 {
	return ch.id
}

// IsOpen reports whether the channel accepts new work
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == stateOpen
}

// NotifyClose returns a channel closed once this channel is closed
func (ch *Channel) NotifyClose() <-chan struct{} {
	return ch.closed
}

// Err returns why the channel closed. It is nil while the channel is open
// and after a client Close.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

// PendingAcks returns the number of deliveries awaiting acknowledgement
func (ch *Channel) PendingAcks() int {
	return ch.acks.Pending()
}

// Consumers returns the active consumers keyed by tag
func (ch *Channel) Consumers() map[string]*Consumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumers.snapshot()
}

// Consumer looks up an active consumer by tag
func (ch *Channel) Consumer(tag string) (*Consumer, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.consumers.get(tag)
}

// Ack acknowledges a delivery, or every pending delivery up to and
// including tag when multiple is set
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, OutcomeAck, false)
}

// Nack negatively acknowledges a delivery, or every pending delivery up to
// and including tag when multiple is set
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, OutcomeNack, requeue)
}

// Reject rejects a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, OutcomeReject, requeue)
}

// settle resolves tag in the pending set and sends the matching frame.
// Acknowledgements are still accepted while the channel is closing so that
// handlers finishing during the drain can settle their deliveries.
func (ch *Channel) settle(tag uint64, multiple bool, outcome Outcome, requeue bool) error {
	ch.ackMu.Lock()
	defer ch.ackMu.Unlock()

	ch.mu.Lock()
	if ch.state == stateClosed {
		err := closedError(ch.closeErr)
		ch.mu.Unlock()
		return err
	}
	resolved, err := ch.acks.Resolve(tag, multiple, outcome)
	pending := ch.acks.Pending()
	ch.mu.Unlock()

	if err != nil {
		return err
	}

	if err := ch.broker.Send(context.Background(), ackFrame(ch.id, tag, multiple, outcome, requeue)); err != nil {
		return &ChannelError{
			Op:        outcome.String(),
			ChannelID: ch.id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch.metrics.RecordAcknowledgment(outcome, len(resolved))
	ch.metrics.RecordPending(ch.id, pending)
	return nil
}

// settlePending settles tag if it is still pending. A handler that already
// settled its delivery is not an error here.
func (ch *Channel) settlePending(tag uint64, outcome Outcome, requeue bool) error {
	err := ch.settle(tag, false, outcome, requeue)
	if errors.Is(err, ErrInvalidDeliveryTag) {
		return nil
	}
	return err
}

func ackFrame(channel uint16, tag uint64, multiple bool, outcome Outcome, requeue bool) contracts.Frame {
	switch outcome {
	case OutcomeNack:
		return &contracts.BasicNack{Channel: channel, DeliveryTag: tag, Multiple: multiple, Requeue: requeue}
	case OutcomeReject:
		return &contracts.BasicReject{Channel: channel, DeliveryTag: tag, Requeue: requeue}
	default:
		return &contracts.BasicAck{Channel: channel, DeliveryTag: tag, Multiple: multiple}
	}
}

// requeueAbandoned hands deliveries that were queued but never dispatched
// back to the broker. It returns how many were requeued.
func (ch *Channel) requeueAbandoned(deliveries []*Delivery) int {
	requeued := 0
	for _, d := range deliveries {
		if err := ch.settlePending(d.DeliveryTag, OutcomeReject, true); err != nil {
			if !errors.Is(err, ErrChannelClosed) {
				ch.logger.Warn("failed to requeue undispatched delivery",
					"deliveryTag", d.DeliveryTag,
					"error", err,
				)
			}
			continue
		}
		requeued++
	}
	return requeued
}

// Qos limits how many unacknowledged deliveries the broker pushes to this
// channel. Zero means unlimited.
func (ch *Channel) Qos(ctx context.Context, prefetchCount int) error {
	if prefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfiguration)
	}
	if err := ch.ensureOpen(); err != nil {
		return err
	}

	if err := ch.broker.Send(ctx, &contracts.BasicQos{Channel: ch.id, PrefetchCount: prefetchCount}); err != nil {
		return &ChannelError{Op: "qos", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Consume registers handler for deliveries from queue. Unless
// WithWaitForCancel is set it returns as soon as the broker accepted the
// consumer; dispatch then runs on the consumer's own goroutine.
//
// With WithWaitForCancel, Consume blocks until the consumer is cancelled and
// returns the consumer together with its cancellation cause. If ctx is done
// first the consumer is cancelled and ctx.Err() is returned.
//
// The handler's context carries ctx's values but is never cancelled.
func (ch *Channel) Consume(ctx context.Context, queue string, handler DeliveryHandler, opts ...ConsumerOption) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfiguration)
	}

	o := consumerOptions{failurePolicy: ch.failurePolicy}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tag == "" {
		o.tag = "ctag-" + uuid.NewString()
	}

	ch.mu.Lock()
	if ch.state != stateOpen {
		err := closedError(ch.closeErr)
		ch.mu.Unlock()
		return nil, err
	}
	if holder, locked := ch.consumers.lockedBy(queue, o.exclusive); locked {
		ch.mu.Unlock()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: o.tag,
			Op:          "subscribe",
			Err:         fmt.Errorf("%w: held by consumer %s", ErrConsumerLocked, holder),
			Timestamp:   time.Now(),
		}
	}
	c := newConsumer(ch, queue, o.tag, handler, o)
	if err := ch.consumers.add(c); err != nil {
		ch.mu.Unlock()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: o.tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	ch.workers.Add(1)
	ch.mu.Unlock()

	frame := &contracts.BasicConsume{
		Channel:     ch.id,
		Queue:       queue,
		ConsumerTag: c.tag,
		Exclusive:   o.exclusive,
		Arguments:   o.arguments,
	}
	if err := ch.broker.Send(ctx, frame); err != nil {
		ch.mu.Lock()
		ch.consumers.remove(c.tag)
		ch.mu.Unlock()
		c.stop(err)
		close(c.done)
		ch.workers.Done()

		switch contracts.ReplyCode(err) {
		case contracts.AccessRefused, contracts.ResourceLocked:
			err = fmt.Errorf("%w: %w", ErrConsumerLocked, err)
		}
		return nil, &ConsumerError{Queue: queue, ConsumerTag: c.tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	go c.run(context.WithoutCancel(ctx))

	ch.metrics.RecordSubscribe(queue)
	ch.logger.Info("consumer registered",
		"queue", queue,
		"consumerTag", c.tag,
		"manualAck", o.manualAck,
		"exclusive", o.exclusive,
	)

	if !o.waitForCancel {
		return c, nil
	}

	select {
	case <-c.Done():
		return c, c.Err()
	case <-ctx.Done():
		if err := ch.cancel(c.tag, ctx.Err(), true); err != nil {
			ch.logger.Warn("failed to cancel consumer", "consumerTag", c.tag, "error", err)
		}
		<-c.Done()
		return c, ctx.Err()
	}
}

// Cancel cancels the consumer registered under tag. Cancelling an unknown
// or already cancelled consumer is a no-op.
func (ch *Channel) Cancel(tag string) error {
	return ch.cancel(tag, nil, true)
}

// cancel removes the consumer and stops its worker. sendFrame is false when
// the broker initiated the cancel.
func (ch *Channel) cancel(tag string, cause error, sendFrame bool) error {
	ch.mu.Lock()
	c, ok := ch.consumers.remove(tag)
	open := ch.state == stateOpen
	ch.mu.Unlock()

	if !ok {
		return nil
	}
	c.stop(cause)

	if !sendFrame || !open {
		c.logger.Info("consumer cancelled", "cause", cause)
		return nil
	}

	if err := ch.broker.Send(context.Background(), &contracts.BasicCancel{Channel: ch.id, ConsumerTag: tag}); err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	c.logger.Info("consumer cancelled")
	return nil
}

// Close cancels every consumer, waits for running handlers up to the drain
// timeout, flushes acknowledgements they issue, and closes the channel.
// Deliveries still pending afterwards are requeued by the broker. Closing a
// closed channel is a no-op.
//
// Calling Close from a handler on this channel makes it wait out the full
// drain timeout for that handler.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	switch ch.state {
	case stateClosing:
		ch.mu.Unlock()
		<-ch.closed
		return nil
	case stateClosed:
		ch.mu.Unlock()
		return nil
	}
	ch.state = stateClosing
	consumers := ch.consumers.removeAll()
	ch.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		c.stop(ErrChannelClosed)
		if err := ch.broker.Send(context.Background(), &contracts.BasicCancel{Channel: ch.id, ConsumerTag: c.tag}); err != nil {
			errs = append(errs, &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "cancel", Err: err, Timestamp: time.Now()})
		}
	}

	if !ch.drain(ch.drainTimeout) {
		ch.logger.Warn("drain timeout elapsed with handlers still running", "timeout", ch.drainTimeout)
	}

	ch.ackMu.Lock()
	ch.mu.Lock()
	if ch.state == stateClosed {
		// the broker closed us while draining
		ch.mu.Unlock()
		ch.ackMu.Unlock()
		return errors.Join(errs...)
	}
	ch.state = stateClosed
	requeued := ch.acks.Drain()
	close(ch.closed)
	ch.mu.Unlock()
	ch.ackMu.Unlock()

	frame := &contracts.ChannelClose{Channel: ch.id, ReplyCode: contracts.ReplySuccess, ReplyText: "client close"}
	if err := ch.broker.Send(context.Background(), frame); err != nil {
		errs = append(errs, &ChannelError{Op: "close", ChannelID: ch.id, Err: err, Timestamp: time.Now()})
	}
	ch.conn.release(ch.id)
	ch.metrics.RecordPending(ch.id, 0)

	ch.logger.Info("channel closed",
		"consumers", len(consumers),
		"requeued", len(requeued),
	)
	return errors.Join(errs...)
}

// drain waits for consumer workers to finish. It reports false on timeout.
func (ch *Channel) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		ch.workers.Wait()
		close(done)
	}()

	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// terminate closes the channel without sending frames. Used when the broker
// closed the channel or the connection was lost.
func (ch *Channel) terminate(cause error) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = stateClosed
	ch.closeErr = cause
	consumers := ch.consumers.removeAll()
	requeued := ch.acks.Drain()
	close(ch.closed)
	ch.mu.Unlock()

	for _, c := range consumers {
		c.stop(cause)
	}
	ch.conn.release(ch.id)
	ch.metrics.RecordPending(ch.id, 0)

	ch.logger.Warn("channel closed by broker",
		"cause", cause,
		"consumers", len(consumers),
		"requeued", len(requeued),
	)
}

func (ch *Channel) ensureOpen() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != stateOpen {
		return closedError(ch.closeErr)
	}
	return nil
}

// handleFrame processes one inbound frame. It runs on the transport's reader
// goroutine and never waits for a handler.
func (ch *Channel) handleFrame(frame contracts.Frame) {
	switch f := frame.(type) {
	case *contracts.BasicDeliver:
		ch.handleDeliver(f)
	case *contracts.BasicCancel:
		if err := ch.cancel(f.ConsumerTag, ErrConsumerCancelled, false); err != nil {
			ch.logger.Warn("failed to cancel consumer", "consumerTag", f.ConsumerTag, "error", err)
		}
	case *contracts.ChannelClose:
		ch.terminate(closedError(contracts.NewError(f.ReplyCode, f.ReplyText, true)))
	default:
		ch.logger.Debug("ignoring unexpected frame", "frame", frame.String())
	}
}

func (ch *Channel) handleDeliver(f *contracts.BasicDeliver) {
	ch.mu.Lock()
	if ch.state == stateClosed {
		ch.mu.Unlock()
		ch.logger.Debug("dropping delivery on closed channel", "deliveryTag", f.DeliveryTag)
		return
	}
	if err := ch.acks.Track(f.DeliveryTag); err != nil {
		ch.mu.Unlock()
		ch.refuse(f, err)
		return
	}
	c, ok := ch.consumers.get(f.ConsumerTag)
	pending := ch.acks.Pending()
	ch.mu.Unlock()

	ch.metrics.RecordPending(ch.id, pending)

	if ok && c.enqueue(newDelivery(ch, f)) {
		return
	}

	ch.logger.Warn("dropping delivery for unknown consumer",
		"consumerTag", f.ConsumerTag,
		"deliveryTag", f.DeliveryTag,
	)
	ch.metrics.RecordDropped(f.ConsumerTag)
	if err := ch.settlePending(f.DeliveryTag, OutcomeReject, true); err != nil {
		ch.logger.Warn("failed to requeue dropped delivery", "deliveryTag", f.DeliveryTag, "error", err)
	}
}

// refuse hands an untrackable delivery straight back to the broker
func (ch *Channel) refuse(f *contracts.BasicDeliver, cause error) {
	ch.logger.Error("requeueing delivery that cannot be tracked",
		"consumerTag", f.ConsumerTag,
		"deliveryTag", f.DeliveryTag,
		"error", cause,
	)
	ch.metrics.RecordDropped(f.ConsumerTag)
	if f.DeliveryTag == 0 {
		return
	}

	ch.ackMu.Lock()
	defer ch.ackMu.Unlock()
	frame := &contracts.BasicReject{Channel: ch.id, DeliveryTag: f.DeliveryTag, Requeue: true}
	if err := ch.broker.Send(context.Background(), frame); err != nil {
		ch.logger.Warn("failed to requeue untracked delivery", "deliveryTag", f.DeliveryTag, "error", err)
	}
}
