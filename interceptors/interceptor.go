package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/messaging"
)

// Interceptor wraps delivery handling before it reaches the final handler
type Interceptor interface {
	// Intercept processes a delivery and calls the next handler in the chain
	Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	return i.fn(ctx, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors in the chain
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Then wraps final so every delivery passes through the chain first.
// The result can be passed straight to Channel.Consume.
func (c *InterceptorChain) Then(final messaging.DeliveryHandler) messaging.DeliveryHandler {
	if len(c.interceptors) == 0 {
		return final
	}

	// Build the chain in reverse order
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, d *messaging.Delivery) error {
			return interceptor.Intercept(ctx, d, next)
		}
	}
	return handler
}

// Execute runs one delivery through the chain
func (c *InterceptorChain) Execute(ctx context.Context, d *messaging.Delivery, final messaging.DeliveryHandler) error {
	return c.Then(final)(ctx, d)
}

// Built-in interceptors

// LoggingInterceptor logs delivery handling
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	start := time.Now()

	i.logger.Debug("handling delivery",
		"consumerTag", d.ConsumerTag,
		"deliveryTag", d.DeliveryTag,
		"routingKey", d.RoutingKey,
		"messageId", d.Properties.MessageID,
		"redelivered", d.Redelivered,
	)

	err := next(ctx, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("delivery handling failed",
			"consumerTag", d.ConsumerTag,
			"deliveryTag", d.DeliveryTag,
			"messageId", d.Properties.MessageID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("delivery handled",
			"consumerTag", d.ConsumerTag,
			"deliveryTag", d.DeliveryTag,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the handler with a context deadline. The
// handler still runs to completion; a handler that ignores ctx is not
// abandoned, since the next delivery must wait for it.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, d)
	if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("delivery %d timed out after %v: %w", d.DeliveryTag, i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ValidationInterceptor validates deliveries before handling
type ValidationInterceptor struct {
	validator DeliveryValidator
}

// DeliveryValidator defines the interface for delivery validation
type DeliveryValidator interface {
	Validate(ctx context.Context, d *messaging.Delivery) error
}

// DeliveryValidatorFunc is a function adapter for DeliveryValidator
type DeliveryValidatorFunc func(ctx context.Context, d *messaging.Delivery) error

// Validate implements DeliveryValidator
func (f DeliveryValidatorFunc) Validate(ctx context.Context, d *messaging.Delivery) error {
	return f(ctx, d)
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator DeliveryValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	if err := i.validator.Validate(ctx, d); err != nil {
		return fmt.Errorf("delivery validation failed: %w", err)
	}

	return next(ctx, d)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// Default interceptor chain builder

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithFilter adds filtering interceptor
func (b *DefaultInterceptorChainBuilder) WithFilter(filter DeliveryFilter, skip SkipBehavior) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewFilteringInterceptor(filter, skip).WithLogger(b.logger))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator DeliveryValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithRetry adds retry interceptor
func (b *DefaultInterceptorChainBuilder) WithRetry(policy RetryPolicy) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(config CircuitBreakerConfig) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(config, b.logger))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
