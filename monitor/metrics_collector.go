package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/messaging"
)

// SimpleMetricsCollector implements messaging.MetricsCollector in memory
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	// Consumer registrations by queue
	subscriptions map[string]int64

	// Handler outcomes by queue
	deliveries map[string]int64
	failures   map[string]int64

	// Processing time stats by queue
	processingTimes map[string]*TimeStats

	// Settled deliveries by outcome
	acknowledgments map[messaging.Outcome]int64

	// Deliveries for consumers that were gone
	dropped int64

	// Last observed pending acknowledgement count by channel
	pending map[uint16]int
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last 100 samples for percentiles
}

var _ messaging.MetricsCollector = (*SimpleMetricsCollector)(nil)

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.reset()
	return c
}

// RecordSubscribe implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordSubscribe(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[queue]++
}

// RecordDelivery implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDelivery(queue string, duration time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deliveries[queue]++
	if !success {
		c.failures[queue]++
	}

	durationMs := duration.Milliseconds()
	stats, exists := c.processingTimes[queue]
	if !exists {
		stats = &TimeStats{
			MinMs:   durationMs,
			MaxMs:   durationMs,
			samples: make([]int64, 0, 100),
		}
		c.processingTimes[queue] = stats
	}

	stats.Count++
	stats.TotalMs += durationMs
	if durationMs < stats.MinMs {
		stats.MinMs = durationMs
	}
	if durationMs > stats.MaxMs {
		stats.MaxMs = durationMs
	}

	if len(stats.samples) >= 100 {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, durationMs)
}

// RecordAcknowledgment implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordAcknowledgment(outcome messaging.Outcome, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acknowledgments[outcome] += int64(count)
}

// RecordDropped implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDropped(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

// RecordPending implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordPending(channelID uint16, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[channelID] = pending
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Subscriptions:   copyCounts(c.subscriptions),
		Deliveries:      copyCounts(c.deliveries),
		Failures:        copyCounts(c.failures),
		Acknowledgments: make(map[string]int64, len(c.acknowledgments)),
		Dropped:         c.dropped,
		PendingAcks:     make(map[uint16]int, len(c.pending)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
	}

	for outcome, count := range c.acknowledgments {
		summary.Acknowledgments[outcome.String()] = count
	}
	for id, pending := range c.pending {
		summary.PendingAcks[id] = pending
	}

	for queue, stats := range c.processingTimes {
		procStats := ProcessingStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}
		if stats.Count > 0 {
			procStats.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := make([]int64, len(stats.samples))
			copy(sorted, stats.samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			procStats.P50Ms = percentile(sorted, 0.50)
			procStats.P95Ms = percentile(sorted, 0.95)
			procStats.P99Ms = percentile(sorted, 0.99)
		}
		summary.ProcessingStats[queue] = procStats
	}

	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *SimpleMetricsCollector) reset() {
	c.subscriptions = make(map[string]int64)
	c.deliveries = make(map[string]int64)
	c.failures = make(map[string]int64)
	c.processingTimes = make(map[string]*TimeStats)
	c.acknowledgments = make(map[messaging.Outcome]int64)
	c.dropped = 0
	c.pending = make(map[uint16]int)
}

// percentile reads a percentile from sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MetricsSummary represents a snapshot of all metrics
type MetricsSummary struct {
	Subscriptions   map[string]int64           `json:"subscriptions"`
	Deliveries      map[string]int64           `json:"deliveries"`
	Failures        map[string]int64           `json:"failures"`
	Acknowledgments map[string]int64           `json:"acknowledgments"`
	Dropped         int64                      `json:"dropped"`
	PendingAcks     map[uint16]int             `json:"pending_acks"`
	ProcessingStats map[string]ProcessingStats `json:"processing_stats"`
}

// ProcessingStats represents handler time statistics for a queue
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}
