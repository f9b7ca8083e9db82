package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/mmo-game/internal/pubsub"
)

// SessionCounter is the subset of router.Router the metrics loop samples.
type SessionCounter interface {
	Len() int
}

// ConsumerMetrics is the subset of pubsub.Consumer the metrics loop samples.
type ConsumerMetrics interface {
	Metrics() pubsub.Stats
}

// ServerMetrics tracks and periodically refreshes the Prometheus gauges and
// counters for the marker fan-out service, generalizing
// eventbus.MetricsExporter's periodic-diff-into-Counter loop from
// published/consumed/dropped to this service's session and pubsub
// counters.
type ServerMetrics struct {
	sessions SessionCounter
	consumer ConsumerMetrics

	connectedSessions prometheus.Gauge
	pubsubConsumed    prometheus.Counter
	pubsubDropped     prometheus.Counter
	batchesFlushed    prometheus.Counter

	quit chan struct{}
	done chan struct{}
}

func NewServerMetrics(sessions SessionCounter, consumer ConsumerMetrics) *ServerMetrics {
	m := &ServerMetrics{
		sessions: sessions,
		consumer: consumer,
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "markerserver",
			Name:      "connected_sessions",
			Help:      "Number of currently connected websocket sessions.",
		}),
		pubsubConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "markerserver",
			Name:      "pubsub_messages_consumed_total",
			Help:      "Total upstream change messages successfully applied.",
		}),
		pubsubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "markerserver",
			Name:      "pubsub_messages_dropped_total",
			Help:      "Total upstream messages dropped (malformed or apply errors).",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "markerserver",
			Name:      "batches_flushed_total",
			Help:      "Total marker_updates_batch frames sent to clients.",
		}),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	prometheus.MustRegister(m.connectedSessions, m.pubsubConsumed, m.pubsubDropped, m.batchesFlushed)
	return m
}

// RecordBatchFlush increments the batches-flushed counter; called by the
// Batch Coalescer after a successful flush.
func (m *ServerMetrics) RecordBatchFlush() {
	m.batchesFlushed.Inc()
}

// Start begins the periodic gauge/counter refresh loop.
func (m *ServerMetrics) Start() {
	go m.loop()
}

func (m *ServerMetrics) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(m.done)

	var prev pubsub.Stats
	for {
		select {
		case <-ticker.C:
			m.connectedSessions.Set(float64(m.sessions.Len()))

			stats := m.consumer.Metrics()
			if d := stats.Consumed - prev.Consumed; d > 0 {
				m.pubsubConsumed.Add(float64(d))
			}
			if d := stats.Dropped - prev.Dropped; d > 0 {
				m.pubsubDropped.Add(float64(d))
			}
			prev = stats
		case <-m.quit:
			return
		}
	}
}

func (m *ServerMetrics) Stop() {
	close(m.quit)
	<-m.done
}
