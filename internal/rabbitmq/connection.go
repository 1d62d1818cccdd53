package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts; zero or
// less retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.RLock()
	connected, closed := cm.isConnected, cm.closed
	cm.mu.RUnlock()

	switch {
	case closed:
		return ErrConnectionClosed
	case connected:
		return nil
	}

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	if !cm.install(conn) {
		conn.Close()
		return ErrConnectionClosed
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.isConnected = false
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.cancel()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// install makes conn current and starts watching it. It reports false
// when the manager was closed in the meantime.
func (cm *ConnectionManager) install(conn *amqp.Connection) bool {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return false
	}
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.watch(notifyClose)
	return true
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	result := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		return r.conn, r.err
	case <-dialCtx.Done():
		// the dial may still succeed; close what it returns
		go func() {
			if r := <-result; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// watch waits for the connection to drop and reconnects
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok || err == nil {
			// closed by the client
			return
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.logger.Error("connection closed", "error", err)
		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.ctx.Done():
	}
}

// reconnect dials until it succeeds, the retry budget runs out, the broker
// refuses the connection for good or the manager is closed
func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	attempts := 0
	refused := false

	err := reliability.Retry(cm.ctx, cm.policy(), func(attempt int) error {
		attempts = attempt + 1
		cm.logger.Info("attempting to reconnect",
			"attempt", attempts,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dialWithTimeout(cm.ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			if !IsRetryable(err) {
				refused = true
				return reliability.Permanent(err)
			}
			return err
		}
		if !cm.install(conn) {
			conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		return nil
	})

	switch {
	case err == nil:
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempts,
			"duration", time.Since(start))
	case errors.Is(err, context.Canceled), errors.Is(err, ErrConnectionClosed):
		cm.logger.Info("connection manager shutting down")
	case refused:
		cm.logger.Error("giving up reconnecting after a non-retryable error",
			"attempts", attempts,
			"error", err)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
	default:
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempts,
			"duration", time.Since(start))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
	}
}

// policy paces reconnect attempts; maxRetries counts every attempt
func (cm *ConnectionManager) policy() reliability.RetryPolicy {
	retries := -1
	if cm.maxRetries > 0 {
		retries = cm.maxRetries - 1
	}
	return reliability.NewExponentialBackoff(cm.reconnectDelay, 5*time.Minute, 2.0, retries)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	out := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(out, cm.stateListeners)
	return out
}

// notifyConnected calls listeners synchronously, in registration order
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
