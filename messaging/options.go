package messaging

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
)

// connectionConfig holds settings shared by a connection and its channels
type connectionConfig struct {
	logger        *slog.Logger
	metrics       MetricsCollector
	drainTimeout  time.Duration
	failurePolicy FailurePolicy
	maxChannels   uint16
}

// DefaultDrainTimeout is how long Channel.Close waits for running handlers
// unless WithDrainTimeout says otherwise
const DefaultDrainTimeout = 5 * time.Second

func defaultConnectionConfig() connectionConfig {
	return connectionConfig{
		logger:        slog.Default(),
		metrics:       NoOpMetricsCollector{},
		drainTimeout:  DefaultDrainTimeout,
		failurePolicy: RequeueOnFailure(),
		maxChannels:   2047,
	}
}

// ConnectionOption configures a Connection
type ConnectionOption func(*connectionConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cfg *connectionConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ConnectionOption {
	return func(cfg *connectionConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithDrainTimeout bounds how long Channel.Close waits for running handlers.
// The wait is always bounded: zero or less selects DefaultDrainTimeout, so a
// handler closing its own channel cannot block Close forever.
func WithDrainTimeout(timeout time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) {
		if timeout <= 0 {
			timeout = DefaultDrainTimeout
		}
		cfg.drainTimeout = timeout
	}
}

// WithDefaultFailurePolicy sets the failure policy for consumers that do not
// set their own
func WithDefaultFailurePolicy(policy FailurePolicy) ConnectionOption {
	return func(cfg *connectionConfig) {
		if policy != nil {
			cfg.failurePolicy = policy
		}
	}
}

// WithMaxChannels caps the channel ids handed out by the connection
func WithMaxChannels(max uint16) ConnectionOption {
	return func(cfg *connectionConfig) {
		if max > 0 {
			cfg.maxChannels = max
		}
	}
}

// consumerOptions configures one consumer
type consumerOptions struct {
	tag           string
	manualAck     bool
	exclusive     bool
	waitForCancel bool
	arguments     contracts.Table
	failurePolicy FailurePolicy
	onCancel      func(tag string, cause error)
}

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerOptions)

// WithManualAck switches the consumer to manual acknowledgement. Without it
// every delivery is acked as soon as the handler returns successfully.
func WithManualAck(manual bool) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.manualAck = manual
	}
}

// WithExclusive requests exclusive consumption of the queue
func WithExclusive(exclusive bool) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.exclusive = exclusive
	}
}

// WithWaitForCancel makes Subscribe block until the consumer is cancelled
func WithWaitForCancel(wait bool) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.waitForCancel = wait
	}
}

// WithConsumerTag sets the consumer tag; a random one is generated otherwise
func WithConsumerTag(tag string) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.tag = tag
	}
}

// WithConsumerArguments sets broker-specific consume arguments
func WithConsumerArguments(args contracts.Table) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.arguments = args
	}
}

// WithFailurePolicy overrides the connection's failure policy for this consumer
func WithFailurePolicy(policy FailurePolicy) ConsumerOption {
	return func(opts *consumerOptions) {
		if policy != nil {
			opts.failurePolicy = policy
		}
	}
}

// WithOnCancel registers a callback run once the consumer has stopped.
// cause is nil for a client cancel.
func WithOnCancel(fn func(tag string, cause error)) ConsumerOption {
	return func(opts *consumerOptions) {
		opts.onCancel = fn
	}
}
