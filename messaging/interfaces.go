package messaging

import (
	"time"
)

// MetricsCollector collects dispatch and acknowledgement metrics
type MetricsCollector interface {
	// RecordSubscribe records a consumer registration
	RecordSubscribe(queue string)

	// RecordDelivery records one handler invocation
	RecordDelivery(queue string, duration time.Duration, success bool)

	// RecordAcknowledgment records count deliveries settled with outcome
	RecordAcknowledgment(outcome Outcome, count int)

	// RecordDropped records a delivery for a consumer tag that is no longer registered
	RecordDropped(consumerTag string)

	// RecordPending records the size of a channel's pending acknowledgement set
	RecordPending(channelID uint16, pending int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSubscribe does nothing
func (NoOpMetricsCollector) RecordSubscribe(queue string) {}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(queue string, duration time.Duration, success bool) {}

// RecordAcknowledgment does nothing
func (NoOpMetricsCollector) RecordAcknowledgment(outcome Outcome, count int) {}

// RecordDropped does nothing
func (NoOpMetricsCollector) RecordDropped(consumerTag string) {}

// RecordPending does nothing
func (NoOpMetricsCollector) RecordPending(channelID uint16, pending int) {}
