// Package metrics provides Prometheus metrics collection for rdmaxfer.
//
// The server exposes metrics at /metrics when metrics_addr is configured:
//
// Transfer Metrics:
//   - rdmaxfer_writes_total: RDMA WRITE operations by outcome
//   - rdmaxfer_write_duration_seconds: post-to-completion latency
//   - rdmaxfer_write_bytes_total: bytes moved by successful writes
//   - rdmaxfer_last_throughput_mbps: throughput of the most recent write
//
// Session Metrics:
//   - rdmaxfer_sessions_total: finished sessions by role and result
//   - rdmaxfer_handshake_duration_seconds: TCP handshake latency by role
//   - rdmaxfer_doorbell_events_total: software doorbell hits
//   - rdmaxfer_active_endpoints: endpoints currently holding verbs resources
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write outcomes.
const (
	StatusSuccess    = "success"
	StatusPostFailed = "post_failed"
	StatusCompletion = "completion_error"
	StatusTimeout    = "timeout"
	StatusCanceled   = "canceled"
)

var (
	// WritesTotal counts RDMA WRITE operations by outcome
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_writes_total",
			Help: "Total number of RDMA WRITE operations",
		},
		[]string{"status"},
	)

	// WriteDuration tracks the time from post to completion
	WriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmaxfer_write_duration_seconds",
			Help:    "RDMA WRITE post-to-completion duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
		},
	)

	// WriteBytesTotal counts bytes moved by successful writes
	WriteBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_write_bytes_total",
			Help: "Total bytes written to peers",
		},
	)

	// LastThroughput holds the throughput of the most recent write
	LastThroughput = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_last_throughput_mbps",
			Help: "Throughput of the most recent RDMA WRITE in MB/s",
		},
	)

	// DoorbellEvents counts observed software doorbells
	DoorbellEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdmaxfer_doorbell_events_total",
			Help: "Total number of doorbell values observed in receive buffers",
		},
	)

	// HandshakeDuration tracks control channel handshake latency
	HandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmaxfer_handshake_duration_seconds",
			Help:    "Duration of the TCP handshake up to queue pair readiness",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)

	// SessionsTotal counts finished sessions
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmaxfer_sessions_total",
			Help: "Total number of transfer sessions",
		},
		[]string{"role", "result"},
	)

	// ActiveEndpoints tracks endpoints holding verbs resources
	ActiveEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmaxfer_active_endpoints",
			Help: "Number of endpoints currently holding verbs resources",
		},
	)
)

// RecordWrite records one RDMA WRITE outcome
func RecordWrite(status string, bytes int, duration time.Duration) {
	WritesTotal.WithLabelValues(status).Inc()

	if status != StatusSuccess {
		return
	}

	WriteDuration.Observe(duration.Seconds())
	WriteBytesTotal.Add(float64(bytes))
	LastThroughput.Set(Throughput(bytes, duration))
}

// Throughput converts a transfer into MB/s, 0 when duration is not positive
func Throughput(bytes int, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	return float64(bytes) / duration.Seconds() / 1e6
}

// RecordDoorbell records one doorbell hit
func RecordDoorbell() {
	DoorbellEvents.Inc()
}

// RecordHandshake records how long a role took to reach queue pair readiness
func RecordHandshake(role string, duration time.Duration) {
	HandshakeDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordSession records a finished session
func RecordSession(role string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}

	SessionsTotal.WithLabelValues(role, result).Inc()
}

// IncrementActiveEndpoints increments the active endpoint gauge
func IncrementActiveEndpoints() {
	ActiveEndpoints.Inc()
}

// DecrementActiveEndpoints decrements the active endpoint gauge
func DecrementActiveEndpoints() {
	ActiveEndpoints.Dec()
}
