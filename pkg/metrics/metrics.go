// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks backend API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragchat_api_request_duration_seconds",
			Help:    "Backend API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total backend API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_api_requests_total",
			Help: "Total backend API requests",
		},
		[]string{"method", "route", "status"},
	)

	// StreamDuration tracks stream session duration by final state.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragchat_stream_duration_seconds",
			Help:    "Stream session duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"mode", "state"},
	)

	// StreamsActive tracks stream sessions currently open.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragchat_streams_active",
			Help: "Number of active stream sessions",
		},
	)

	// StageEventsTotal tracks stage events applied to progress state.
	StageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_stage_events_total",
			Help: "Total stage events applied",
		},
		[]string{"stage", "status"},
	)

	// MalformedEventsTotal tracks SSE payloads that failed to decode.
	MalformedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragchat_malformed_events_total",
			Help: "Total SSE payloads dropped as malformed",
		},
	)

	// FeedbackTotal tracks feedback submissions by outcome.
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_feedback_total",
			Help: "Total feedback submissions",
		},
		[]string{"value", "outcome"},
	)

	// RestoresTotal tracks conversation restore attempts by outcome.
	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_restores_total",
			Help: "Total conversation restore attempts",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for a backend API request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordStream records the end of a stream session.
func RecordStream(mode, state string, duration float64) {
	StreamDuration.WithLabelValues(mode, state).Observe(duration)
}

// IncrementStreams increments the active stream count.
func IncrementStreams() {
	StreamsActive.Inc()
}

// DecrementStreams decrements the active stream count.
func DecrementStreams() {
	StreamsActive.Dec()
}
