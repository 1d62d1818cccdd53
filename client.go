// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/glimte/mmate-amqp/messaging"
	"github.com/glimte/mmate-amqp/transports/inmemory"
	rabbitmqTransport "github.com/glimte/mmate-amqp/transports/rabbitmq"
)

// Client provides the main entry point for mmate-amqp: one broker
// connection on which channels are opened
type Client struct {
	conn   *messaging.Connection
	broker contracts.Broker
	logger *slog.Logger
}

// Dial connects to RabbitMQ
func Dial(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(cfg.logger),
	}
	if cfg.reconnectDelay > 0 {
		transportOpts = append(transportOpts, rabbitmqTransport.WithReconnectDelay(cfg.reconnectDelay))
	}
	if cfg.maxRetries != 0 {
		transportOpts = append(transportOpts, rabbitmqTransport.WithMaxRetries(cfg.maxRetries))
	}

	transport, err := rabbitmqTransport.NewTransport(connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return newClient(transport, cfg), nil
}

// NewLoopback creates a client backed by the in-process broker
func NewLoopback(options ...ClientOption) (*Client, error) {
	cfg := newClientConfig(options)

	brokerOpts := []inmemory.Option{inmemory.WithLogger(cfg.logger)}
	if cfg.storePath != "" {
		brokerOpts = append(brokerOpts, inmemory.WithPath(cfg.storePath))
	}

	broker, err := inmemory.New(brokerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create loopback broker: %w", err)
	}

	return newClient(broker, cfg), nil
}

func newClient(broker contracts.Broker, cfg *clientConfig) *Client {
	conn := messaging.NewConnection(broker,
		messaging.WithLogger(cfg.logger),
		messaging.WithMetrics(cfg.metrics),
		messaging.WithDrainTimeout(cfg.drainTimeout),
		messaging.WithDefaultFailurePolicy(cfg.failurePolicy),
	)

	return &Client{
		conn:   conn,
		broker: broker,
		logger: cfg.logger,
	}
}

// Channel opens a new channel
func (c *Client) Channel(ctx context.Context) (*messaging.Channel, error) {
	return c.conn.Channel(ctx)
}

// Connection returns the underlying connection
func (c *Client) Connection() *messaging.Connection {
	return c.conn
}

// Broker returns the transport the client talks to
func (c *Client) Broker() contracts.Broker {
	return c.broker
}

// Close closes every channel and the broker connection
func (c *Client) Close() error {
	c.logger.Info("closing mmate client", "channels", c.conn.OpenChannels())
	return c.conn.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	metrics        messaging.MetricsCollector
	drainTimeout   time.Duration
	failurePolicy  messaging.FailurePolicy
	reconnectDelay time.Duration
	maxRetries     int
	storePath      string
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger:        slog.Default(),
		metrics:       messaging.NoOpMetricsCollector{},
		drainTimeout:  5 * time.Second,
		failurePolicy: messaging.RequeueOnFailure(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetrics sets the dispatch and acknowledgement metrics collector
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithDrainTimeout bounds how long closing a channel waits for running
// handlers; zero or less selects messaging.DefaultDrainTimeout
func WithDrainTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.drainTimeout = timeout
	}
}

// WithFailurePolicy sets what happens to a delivery whose handler fails
func WithFailurePolicy(policy messaging.FailurePolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.failurePolicy = policy
	}
}

// WithReconnectDelay sets the initial RabbitMQ reconnect delay
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxRetries limits RabbitMQ reconnect attempts; zero or less retries forever
func WithMaxRetries(retries int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRetries = retries
	}
}

// WithStorePath stores loopback queues in a file instead of memory
func WithStorePath(path string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.storePath = path
	}
}
