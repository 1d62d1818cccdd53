package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/internal/reliability"
	"github.com/glimte/mmate-amqp/messaging"
)

// ErrCircuitOpen is matched by errors returned while the breaker refuses
// deliveries
var ErrCircuitOpen = reliability.ErrCircuitOpen

// CircuitBreakerConfig configures a CircuitBreakerInterceptor. Zero values
// fall back to the breaker defaults.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	HalfOpenRequests int

	// WaitWhenOpen holds the delivery until the breaker lets a trial call
	// through instead of failing it straight away. Since handlers run one
	// at a time per consumer, this pauses the whole consumer.
	WaitWhenOpen bool
}

// CircuitBreakerInterceptor stops calling the handler while its downstream
// keeps failing
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
	wait    bool
	logger  *slog.Logger
}

// NewCircuitBreakerInterceptor creates a circuit breaker interceptor
func NewCircuitBreakerInterceptor(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	i := &CircuitBreakerInterceptor{wait: config.WaitWhenOpen, logger: logger}

	var options []reliability.CircuitBreakerOption
	if config.Name != "" {
		options = append(options, reliability.WithName(config.Name))
	}
	if config.FailureThreshold > 0 {
		options = append(options, reliability.WithFailureThreshold(config.FailureThreshold))
	}
	if config.SuccessThreshold > 0 {
		options = append(options, reliability.WithSuccessThreshold(config.SuccessThreshold))
	}
	if config.OpenTimeout > 0 {
		options = append(options, reliability.WithOpenTimeout(config.OpenTimeout))
	}
	if config.HalfOpenRequests > 0 {
		options = append(options, reliability.WithHalfOpenRequests(config.HalfOpenRequests))
	}
	options = append(options, reliability.WithStateChange(i.stateChanged))

	i.breaker = reliability.NewCircuitBreaker(options...)
	return i
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, d *messaging.Delivery, next messaging.DeliveryHandler) error {
	for {
		err := i.breaker.Execute(ctx, func() error {
			return next(ctx, d)
		})

		var open *reliability.CircuitBreakerError
		if !i.wait || !errors.As(err, &open) {
			return err
		}

		timer := time.NewTimer(time.Until(open.NextRetry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// State returns the breaker state
func (i *CircuitBreakerInterceptor) State() string {
	return i.breaker.State().String()
}

// Reset closes the breaker
func (i *CircuitBreakerInterceptor) Reset() {
	i.breaker.Reset()
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

func (i *CircuitBreakerInterceptor) stateChanged(name string, from, to reliability.State, reason string) {
	level := slog.LevelInfo
	if to == reliability.StateOpen {
		level = slog.LevelWarn
	}
	i.logger.Log(context.Background(), level, "circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}
