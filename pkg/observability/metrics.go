// Package observability holds the Prometheus metrics exported by the gateway.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UpstreamBuckets covers provider latencies from 50ms up to two minutes.
var UpstreamBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotbridge_requests_total",
			Help: "Inbound requests by endpoint and status class",
		},
		[]string{"endpoint", "method", "status"},
	)

	// CredentialLookups counts broker outcomes: hit, refresh, reused, rejected, failed.
	CredentialLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotbridge_credential_lookups_total",
			Help: "Credential broker lookups by outcome",
		},
		[]string{"outcome"},
	)

	TokenExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotbridge_token_exchanges_total",
			Help: "Identity endpoint exchange calls by result",
		},
		[]string{"result"},
	)

	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotbridge_upstream_requests_total",
			Help: "Provider calls by endpoint kind and HTTP status",
		},
		[]string{"kind", "status"},
	)

	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copilotbridge_upstream_latency_seconds",
			Help:    "Time until provider response headers arrive",
			Buckets: UpstreamBuckets,
		},
		[]string{"kind"},
	)

	StreamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copilotbridge_stream_frames_total",
			Help: "SSE frames handled by the stream transformer",
		},
		[]string{"mode", "result"},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "copilotbridge_streams_active",
			Help: "Streaming chat completions currently in flight",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		CredentialLookups,
		TokenExchanges,
		UpstreamRequests,
		UpstreamLatency,
		StreamFrames,
		ActiveStreams,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records one provider call.
func ObserveUpstream(kind string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	UpstreamRequests.WithLabelValues(kind, label).Inc()
	UpstreamLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// StatusClass renders 200 as "2xx" and so on.
func StatusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
