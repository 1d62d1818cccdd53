package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-amqp/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports dispatch and acknowledgement metrics
type PrometheusCollector struct {
	registerer   prometheus.Registerer
	registerOnce sync.Once
	registerErr  error

	subscriptions   *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	acknowledgments *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	pending         *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusOption configures the collector
type PrometheusOption func(*prometheusConfig)

type prometheusConfig struct {
	namespace  string
	registerer prometheus.Registerer
	buckets    []float64
}

// WithNamespace sets the metric namespace (default "mmate")
func WithNamespace(namespace string) PrometheusOption {
	return func(cfg *prometheusConfig) {
		cfg.namespace = namespace
	}
}

// WithRegisterer registers the metrics somewhere other than the default registry
func WithRegisterer(registerer prometheus.Registerer) PrometheusOption {
	return func(cfg *prometheusConfig) {
		cfg.registerer = registerer
	}
}

// WithBuckets sets the handler duration histogram buckets, in seconds
func WithBuckets(buckets []float64) PrometheusOption {
	return func(cfg *prometheusConfig) {
		cfg.buckets = buckets
	}
}

// NewPrometheusCollector creates a collector. Metrics are registered on
// first use, or explicitly with Register.
func NewPrometheusCollector(options ...PrometheusOption) *PrometheusCollector {
	cfg := &prometheusConfig{
		namespace:  "mmate",
		registerer: prometheus.DefaultRegisterer,
		buckets:    prometheus.DefBuckets,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &PrometheusCollector{
		registerer: cfg.registerer,
		subscriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.namespace,
				Subsystem: "consumer",
				Name:      "subscriptions_total",
				Help:      "Consumers registered.",
			},
			[]string{"queue"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.namespace,
				Subsystem: "consumer",
				Name:      "deliveries_total",
				Help:      "Deliveries dispatched to handlers.",
			},
			[]string{"queue", "success"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.namespace,
				Subsystem: "consumer",
				Name:      "handler_duration_seconds",
				Help:      "Delivery handler duration in seconds.",
				Buckets:   cfg.buckets,
			},
			[]string{"queue"},
		),
		acknowledgments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.namespace,
				Subsystem: "channel",
				Name:      "acknowledgments_total",
				Help:      "Deliveries settled, by outcome.",
			},
			[]string{"outcome"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.namespace,
				Subsystem: "channel",
				Name:      "dropped_deliveries_total",
				Help:      "Deliveries for consumers no longer registered.",
			},
			[]string{"consumer_tag"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.namespace,
				Subsystem: "channel",
				Name:      "pending_acks",
				Help:      "Deliveries awaiting acknowledgement.",
			},
			[]string{"channel"},
		),
	}
}

// Register registers the metrics once; later calls return the first result
func (p *PrometheusCollector) Register() error {
	p.registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			p.subscriptions,
			p.deliveries,
			p.handlerDuration,
			p.acknowledgments,
			p.dropped,
			p.pending,
		} {
			if err := p.registerer.Register(c); err != nil {
				p.registerErr = err
				return
			}
		}
	})
	return p.registerErr
}

// RecordSubscribe implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordSubscribe(queue string) {
	p.Register()
	p.subscriptions.WithLabelValues(queue).Inc()
}

// RecordDelivery implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordDelivery(queue string, duration time.Duration, success bool) {
	p.Register()
	p.deliveries.WithLabelValues(queue, strconv.FormatBool(success)).Inc()
	p.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordAcknowledgment implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordAcknowledgment(outcome messaging.Outcome, count int) {
	p.Register()
	p.acknowledgments.WithLabelValues(outcome.String()).Add(float64(count))
}

// RecordDropped implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordDropped(consumerTag string) {
	p.Register()
	p.dropped.WithLabelValues(consumerTag).Inc()
}

// RecordPending implements messaging.MetricsCollector
func (p *PrometheusCollector) RecordPending(channelID uint16, pending int) {
	p.Register()
	p.pending.WithLabelValues(strconv.Itoa(int(channelID))).Set(float64(pending))
}
