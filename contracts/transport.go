package contracts

import (
	"context"
	"errors"
	"fmt"
)

// FrameHandler receives inbound frames. Transports call it from a single
// reader goroutine, in the order the broker sent the frames.
type FrameHandler func(Frame)

// Transport sends and receives frames over one physical connection
type Transport interface {
	// Send writes a frame. Frames that the broker answers synchronously
	// (open, consume, cancel, qos) return the broker's refusal as *Error.
	Send(ctx context.Context, frame Frame) error

	// OnFrame installs the handler for inbound frames
	OnFrame(handler FrameHandler)

	// Close closes the physical connection
	Close() error
}

// QueueOptions defines options for queue declaration
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Passive    bool
	Arguments  Table
}

// QueueInfo is the broker's view of a queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// EntityRegistry declares and inspects broker entities
type EntityRegistry interface {
	// DeclareQueue declares a queue; an empty name asks the broker to generate one
	DeclareQueue(ctx context.Context, name string, options QueueOptions) (QueueInfo, error)

	// InspectQueue returns the current ready-message and consumer counts
	InspectQueue(ctx context.Context, name string) (QueueInfo, error)

	// PurgeQueue removes all ready messages and returns how many were removed
	PurgeQueue(ctx context.Context, name string) (int, error)

	// DeleteQueue deletes the queue and returns how many messages it held
	DeleteQueue(ctx context.Context, name string) (int, error)
}

// Broker is a transport that also exposes the entity registry
type Broker interface {
	Transport
	EntityRegistry
}

// AMQP reply codes used by channel and connection close
const (
	ReplySuccess       = 200
	ContentTooLarge    = 311
	NoConsumers        = 313
	ConnectionForced   = 320
	InvalidPath        = 402
	AccessRefused      = 403
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	FrameError         = 501
	SyntaxError        = 502
	CommandInvalid     = 503
	ChannelError       = 504
	UnexpectedFrame    = 505
	ResourceError      = 506
	NotAllowed         = 530
	NotImplemented     = 540
	InternalError      = 541
)

// Error is a broker reply carrying a reply code
type Error struct {
	Code   int
	Reason string
	Server bool // raised by the broker rather than the client
}

func (e *Error) Error() string {
	return fmt.Sprintf("amqp error %d: %s", e.Code, e.Reason)
}

// NewError creates a protocol error
func NewError(code int, reason string, server bool) *Error {
	return &Error{Code: code, Reason: reason, Server: server}
}

// ReplyCode extracts the reply code of a protocol error, or 0
func ReplyCode(err error) int {
	var amqpErr *Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code
	}
	return 0
}
