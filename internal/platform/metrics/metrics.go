// Package metrics exposes Prometheus instrumentation for the task lifecycle
// and event delivery subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every metric the core records. It is constructed once per
// process against a Registerer and injected into the components that record.
type Collector struct {
	sseConnections       prometheus.Counter
	sseDisconnects       prometheus.Counter
	sseConnectionSeconds prometheus.Histogram
	sseReplayEvents      prometheus.Counter
	sseSnapshotEvents    prometheus.Counter
	sseParseFailures     prometheus.Counter

	transitionsDenied *prometheus.CounterVec
}

// NewCollector creates the collector and registers every metric with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sseConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_connections_total",
			Help: "Total number of SSE connections opened",
		}),
		sseDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_disconnects_total",
			Help: "Total number of SSE connections closed",
		}),
		sseConnectionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_connection_duration_seconds",
			Help:    "Duration of SSE connections in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		sseReplayEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_replay_events_total",
			Help: "Total number of events delivered via reconnect replay",
		}),
		sseSnapshotEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_snapshot_events_total",
			Help: "Total number of synthesized snapshot events delivered",
		}),
		sseParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_payload_parse_failures_total",
			Help: "Total number of broker messages that failed to parse",
		}),
		transitionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "task_transitions_denied_total",
			Help: "Total number of task status transitions denied by the guard",
		}, []string{"operation", "reason"}),
	}

	reg.MustRegister(
		c.sseConnections,
		c.sseDisconnects,
		c.sseConnectionSeconds,
		c.sseReplayEvents,
		c.sseSnapshotEvents,
		c.sseParseFailures,
		c.transitionsDenied,
	)

	return c
}

// RecordConnect records an SSE connection being opened.
func (c *Collector) RecordConnect() {
	c.sseConnections.Inc()
}

// RecordDisconnect records an SSE connection closing after the given
// duration in seconds.
func (c *Collector) RecordDisconnect(durationSeconds float64) {
	c.sseDisconnects.Inc()
	c.sseConnectionSeconds.Observe(durationSeconds)
}

// RecordReplayEvents records events delivered from the log during replay.
func (c *Collector) RecordReplayEvents(n int) {
	c.sseReplayEvents.Add(float64(n))
}

// RecordSnapshotEvents records synthesized snapshot events delivered to a
// fresh connection.
func (c *Collector) RecordSnapshotEvents(n int) {
	c.sseSnapshotEvents.Add(float64(n))
}

// RecordParseFailure records a broker message that could not be decoded.
func (c *Collector) RecordParseFailure() {
	c.sseParseFailures.Inc()
}

// RecordTransitionDenied records a guard denial for the given operation,
// classified as "status_mismatch" or "task_missing".
func (c *Collector) RecordTransitionDenied(operation, reason string) {
	c.transitionsDenied.WithLabelValues(operation, reason).Inc()
}
