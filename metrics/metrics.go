// Package metrics holds the Prometheus instruments of the protocol core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "simonair_"

// Command outcomes.
const (
	CommandAcked        = "acked"
	CommandRejected     = "rejected"
	CommandTimeout      = "timeout"
	CommandNotConnected = "not_connected"
	CommandInvalid      = "invalid"
	CommandInFlight     = "in_flight"
	CommandUnknown      = "unknown_device"
	CommandShutdown     = "shutdown"
	CommandCanceled     = "canceled"
)

// Ingest outcomes.
const (
	IngestAccepted = "accepted"
	IngestPartial  = "partial"
	IngestRejected = "rejected"
	IngestUnknown  = "unknown_device"
	IngestFailed   = "store_failed"
)

var (
	registerOnce sync.Once

	commandAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "command_publish_attempts_total",
			Help: "Total command publish attempts by kind and result",
		},
		[]string{"kind", "result"},
	)
	commandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "command_results_total",
			Help: "Total command outcomes by kind and status",
		},
		[]string{"kind", "status"},
	)
	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "command_ack_latency_seconds",
			Help:    "Time from first publish to acknowledgment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	pendingCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands currently awaiting acknowledgment",
		},
	)
	discardedAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "acks_discarded_total",
			Help: "Acknowledgments dropped by reason",
		},
		[]string{"reason"},
	)

	ingestResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_messages_total",
			Help: "Telemetry messages by result",
		},
		[]string{"result"},
	)
	ingestDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metricPrefix + "ingest_dropped_fields_total",
			Help: "Sensor fields dropped during ingestion by field and reason",
		},
		[]string{"field", "reason"},
	)
	ingestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    metricPrefix + "ingest_latency_seconds",
			Help:    "Telemetry ingestion latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	transportConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: metricPrefix + "transport_connected",
			Help: "1 while the broker session is up",
		},
	)
)

// Register adds all instruments to reg once. Instruments are usable
// whether or not they have been registered.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			commandAttempts,
			commandResults,
			commandLatency,
			pendingCommands,
			discardedAcks,
			ingestResults,
			ingestDropped,
			ingestLatency,
			transportConnected,
		)
	})
}

// ObserveCommandAttempt counts one publish of a command; ok is the publish-layer outcome.
func ObserveCommandAttempt(kind string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	commandAttempts.WithLabelValues(kind, result).Inc()
}

// ObserveCommandResult records the terminal outcome of a command.
func ObserveCommandResult(kind, status string) {
	commandResults.WithLabelValues(kind, status).Inc()
}

// ObserveCommandLatency records time to acknowledgment.
func ObserveCommandLatency(kind string, d time.Duration) {
	commandLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// SetPendingCommands sets the in-flight command gauge.
func SetPendingCommands(n int) {
	pendingCommands.Set(float64(n))
}

// ObserveDiscardedAck counts an ack that matched nothing or could not be decoded.
func ObserveDiscardedAck(reason string) {
	discardedAcks.WithLabelValues(reason).Inc()
}

// ObserveIngest records the outcome and latency of one telemetry message.
func ObserveIngest(result string, d time.Duration) {
	ingestResults.WithLabelValues(result).Inc()
	ingestLatency.Observe(d.Seconds())
}

// ObserveDroppedField counts a sensor field removed from an accepted reading.
func ObserveDroppedField(field, reason string) {
	ingestDropped.WithLabelValues(field, reason).Inc()
}

// SetTransportConnected flips the connection gauge.
func SetTransportConnected(up bool) {
	if up {
		transportConnected.Set(1)
		return
	}
	transportConnected.Set(0)
}
