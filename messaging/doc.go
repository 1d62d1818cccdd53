// Package messaging provides the channel-level core of the mmate AMQP client.
//
// This package implements:
//   - Connection: multiplexes channels over a contracts.Broker and routes inbound frames
//   - Channel: a logical session owning consumers and pending acknowledgements
//   - Consumer: a registered subscription with its own dispatch goroutine
//   - AckTracker: the per-channel set of deliveries awaiting ack, nack or reject
//   - Exchange and Queue: publishing and queue handles
//   - FailurePolicy: what happens to a delivery whose handler failed
//
// Key features:
//   - Per-consumer delivery order; consumers on one channel never block each other
//   - Automatic or manual acknowledgement, with multiple-ack over a tag prefix
//   - Idempotent cancel, safe from inside the consumer's own handler
//   - Handler errors and panics are isolated to the owning consumer
//   - Close drains in-flight handlers up to a bounded timeout
//
// Example usage:
//
//	conn := messaging.NewConnection(broker, messaging.WithLogger(logger))
//	ch, err := conn.Channel(ctx)
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//
//	q, err := ch.Queue(ctx, "orders", messaging.WithDurable(true))
//	if err != nil {
//		return err
//	}
//
//	_, err = q.Subscribe(ctx, func(ctx context.Context, d *messaging.Delivery) error {
//		return process(d.Body)
//	})
//
//	err = ch.DefaultExchange().Publish(ctx, []byte("hello"), "orders")
package messaging
