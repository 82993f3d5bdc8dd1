package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fanserial",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		},
		[]string{"server"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanserial",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Accepted connections by handshake outcome.",
		},
		[]string{"server", "outcome"},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanserial",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Handled requests by outcome.",
		},
		[]string{"server", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fanserial",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time spent in the request handler.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "outcome"},
	)
	messageBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fanserial",
			Subsystem: "session",
			Name:      "message_bytes",
			Help:      "Size of protocol messages on the wire.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 9),
		},
		[]string{"role", "direction"},
	)
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeHandlerErr  = "handler_error"
	OutcomeDecodeErr   = "decode_error"
	OutcomeHandshakeOK = "handshake_ok"
	OutcomeHandshake   = "handshake_error"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(activeConnections, connectionsTotal, requestsTotal, requestDuration, messageBytes)
	})
}

func SetActiveConnections(server string, n int64) {
	RegisterMetrics()
	activeConnections.WithLabelValues(server).Set(float64(n))
}

func RecordConnection(server, outcome string) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(server, outcome).Inc()
}

func RecordRequest(server, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestsTotal.WithLabelValues(server, outcome).Inc()
	requestDuration.WithLabelValues(server, outcome).Observe(duration.Seconds())
}

func RecordMessage(role, direction string, size int) {
	RegisterMetrics()
	messageBytes.WithLabelValues(role, direction).Observe(float64(size))
}
