package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-amqp/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	t.Run("records into its registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		collector := NewPrometheusCollector(WithRegisterer(registry), WithNamespace("test"))

		collector.RecordSubscribe("orders")
		collector.RecordDelivery("orders", 20*time.Millisecond, true)
		collector.RecordDelivery("orders", 5*time.Millisecond, false)
		collector.RecordAcknowledgment(messaging.OutcomeAck, 3)
		collector.RecordAcknowledgment(messaging.OutcomeReject, 1)
		collector.RecordDropped("ctag-gone")
		collector.RecordPending(2, 7)

		assert.Equal(t, 1.0, testutil.ToFloat64(collector.subscriptions.WithLabelValues("orders")))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.deliveries.WithLabelValues("orders", "true")))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.deliveries.WithLabelValues("orders", "false")))
		assert.Equal(t, 3.0, testutil.ToFloat64(collector.acknowledgments.WithLabelValues("ack")))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.acknowledgments.WithLabelValues("reject")))
		assert.Equal(t, 1.0, testutil.ToFloat64(collector.dropped.WithLabelValues("ctag-gone")))
		assert.Equal(t, 7.0, testutil.ToFloat64(collector.pending.WithLabelValues("2")))

		assert.Equal(t, 1, testutil.CollectAndCount(collector.handlerDuration))
	})

	t.Run("exposes metrics under the namespace", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		collector := NewPrometheusCollector(WithRegisterer(registry))
		collector.RecordPending(1, 3)

		expected := `
# HELP mmate_channel_pending_acks Deliveries awaiting acknowledgement.
# TYPE mmate_channel_pending_acks gauge
mmate_channel_pending_acks{channel="1"} 3
`
		err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "mmate_channel_pending_acks")
		assert.NoError(t, err)
	})

	t.Run("registers once", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		collector := NewPrometheusCollector(WithRegisterer(registry))

		require.NoError(t, collector.Register())
		require.NoError(t, collector.Register())
	})

	t.Run("reports a conflicting registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		require.NoError(t, NewPrometheusCollector(WithRegisterer(registry)).Register())

		assert.Error(t, NewPrometheusCollector(WithRegisterer(registry)).Register())
	})
}
