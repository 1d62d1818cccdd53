// Package reliability provides retry policies for broker operations.
//
// The RabbitMQ connection manager uses them to pace reconnect attempts:
//   - ExponentialBackoff: delay grows by a multiplier up to a cap, with jitter
//   - FixedDelay: the same delay between attempts
//
// Errors are retryable unless wrapped with Permanent or caused by context
// cancellation.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, time.Minute, 2.0, -1)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return dial()
//	})
package reliability
