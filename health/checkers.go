package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-amqp/messaging"
)

// connectivity is implemented by transports that track the broker link
type connectivity interface {
	IsConnected() bool
}

// ConnectionChecker checks that channels can still be opened
type ConnectionChecker struct {
	conn *messaging.Connection
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn *messaging.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}
	result.Details["open_channels"] = c.conn.OpenChannels()

	if link, ok := c.conn.Broker().(connectivity); ok && !link.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Broker connection is down"
		result.Duration = time.Since(start)
		return result
	}

	// Round trip: open and close a channel
	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	if err := ch.Close(); err != nil {
		result.Status = StatusDegraded
		result.Message = "Channel close failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueChecker checks that a queue exists and is not backing up
type QueueChecker struct {
	conn             *messaging.Connection
	queueName        string
	warningThreshold int
}

// NewQueueChecker creates a new queue health checker. A queue holding more
// than warningThreshold ready messages is reported degraded; zero disables
// the threshold.
func NewQueueChecker(conn *messaging.Connection, queueName string, warningThreshold int) *QueueChecker {
	return &QueueChecker{
		conn:             conn,
		queueName:        queueName,
		warningThreshold: warningThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.conn.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	q, err := ch.Queue(ctx, c.queueName, messaging.WithPassive(true))
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	messages, err := q.MessageCount(ctx)
	if err == nil {
		var consumers int
		consumers, err = q.ConsumerCount(ctx)
		result.Details["consumer_count"] = consumers
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s inspection failed", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["queue_name"] = c.queueName
	result.Details["message_count"] = messages

	if c.warningThreshold > 0 && messages > c.warningThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingAcksChecker watches the unacknowledged deliveries of one channel
type PendingAcksChecker struct {
	channel          *messaging.Channel
	warningThreshold int
}

// NewPendingAcksChecker creates a checker reporting degraded once more than
// warningThreshold deliveries await acknowledgement
func NewPendingAcksChecker(ch *messaging.Channel, warningThreshold int) *PendingAcksChecker {
	return &PendingAcksChecker{
		channel:          ch,
		warningThreshold: warningThreshold,
	}
}

func (c *PendingAcksChecker) Name() string {
	return fmt.Sprintf("channel_%d", c.channel.ID())
}

func (c *PendingAcksChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	pending := c.channel.PendingAcks()
	result.Details["pending_acks"] = pending
	result.Details["consumers"] = len(c.channel.Consumers())

	switch {
	case !c.channel.IsOpen():
		result.Status = StatusUnhealthy
		result.Message = "Channel is closed"
		if err := c.channel.Err(); err != nil {
			result.Error = err.Error()
		}
	case pending > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d deliveries awaiting acknowledgement", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "Channel is open"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts, such as consumers
// that are never cancelled
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a new goroutine checker
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
