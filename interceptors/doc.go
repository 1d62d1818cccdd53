// Package interceptors wraps delivery handlers with cross-cutting concerns.
//
// An InterceptorChain turns a messaging.DeliveryHandler into another
// DeliveryHandler, so the result plugs straight into Channel.Consume or
// Queue.Subscribe. Errors returned through the chain reach the consumer's
// failure policy unchanged apart from wrapping.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each delivery with timing information
//   - FilteringInterceptor: skips deliveries a DeliveryFilter rejects
//   - ValidationInterceptor: rejects deliveries failing a DeliveryValidator
//   - RetryInterceptor: re-runs a failing handler under a RetryPolicy
//   - TimeoutInterceptor: gives the handler a context deadline
//   - CircuitBreakerInterceptor: fails fast or pauses while the handler keeps failing
//
// Example usage:
//
//	handler := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithFilter(interceptors.RoutingKeyFilter("orders"), interceptors.SkipWithLog).
//		WithRetry(interceptors.ExponentialRetry(100*time.Millisecond, time.Second, 3)).
//		WithTimeout(30 * time.Second).
//		Build().
//		Then(processOrder)
//
//	consumer, err := ch.Consume(ctx, "orders", handler)
//
// Interceptors run in the order they are added, with the final handler
// called last.
package interceptors
