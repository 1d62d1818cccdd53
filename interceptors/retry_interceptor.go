package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/internal/reliability"
	"github.com/glimte/mmate-amqp/messaging"
)

// RetryPolicy decides whether a failed handler attempt runs again
type RetryPolicy = reliability.RetryPolicy

// ExponentialRetry returns a policy doubling the delay from initial up to
// max, retrying at most maxRetries times
func ExponentialRetry(initial, max time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
}

// FixedRetry returns a policy waiting delay between at most maxRetries retries
func FixedRetry(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// Permanent marks a handler error as not worth retrying
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// RetryInterceptor re-runs the handler in place before the delivery is
// settled. Retries happen while the delivery is still unacknowledged, so
// they count against the channel prefetch.
type RetryInterceptor struct {
	retryPolicy RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	return reliability.Retry(ctx, r.retryPolicy, func(attempt int) error {
		if attempt > 0 {
			r.logger.Debug("retrying delivery",
				"consumerTag", d.ConsumerTag,
				"deliveryTag", d.DeliveryTag,
				"attempt", attempt,
			)
		}
		return next(ctx, d)
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
