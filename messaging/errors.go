package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Channel errors
	ErrChannelClosed      = errors.New("messaging: channel is closed")
	ErrConnectionClosed   = errors.New("messaging: connection is closed")
	ErrChannelIDExhausted = errors.New("messaging: no free channel ids")

	// Acknowledgement errors
	ErrInvalidDeliveryTag = errors.New("messaging: unknown or already acknowledged delivery tag")

	// Consumer errors
	ErrConsumerLocked       = errors.New("messaging: queue is locked by an exclusive consumer")
	ErrConsumerCancelled    = errors.New("messaging: consumer cancelled by broker")
	ErrDuplicateConsumerTag = errors.New("messaging: consumer tag already in use on channel")
	ErrHandlerFailure       = errors.New("messaging: delivery handler failed")

	// General errors
	ErrInvalidConfiguration = errors.New("messaging: invalid configuration")
)

// ChannelError represents a channel-level failure
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID uint16    // Channel number
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error: %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer registration or cancellation failure
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish failure
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish error: failed to publish to %q/%q: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned or a panic raised by a delivery
// handler. It matches ErrHandlerFailure under errors.Is.
type HandlerError struct {
	ConsumerTag string
	DeliveryTag uint64
	Err         error
	Panic       bool
}

func (e *HandlerError) Error() string {
	if e.Panic {
		return fmt.Sprintf("handler panicked for consumer %s delivery %d: %v", e.ConsumerTag, e.DeliveryTag, e.Err)
	}
	return fmt.Sprintf("handler failed for consumer %s delivery %d: %v", e.ConsumerTag, e.DeliveryTag, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// closedError joins ErrChannelClosed with the reason the channel went away
func closedError(cause error) error {
	switch {
	case cause == nil:
		return ErrChannelClosed
	case errors.Is(cause, ErrChannelClosed):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}
}
