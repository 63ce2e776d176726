// Package metrics exposes process-wide Prometheus collectors for the HTTP
// surface and collaborator traffic.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal                 *prometheus.CounterVec
	httpRequestDurationSeconds        *prometheus.HistogramVec
	collaboratorRequestsTotal         *prometheus.CounterVec
	collaboratorRequestDurationSecond *prometheus.HistogramVec
	streamReconnectsTotal             *prometheus.CounterVec
	streamsOpen                       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		collaboratorRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewatch_collaborator_requests_total",
				Help: "Requests sent to the scraping service, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		collaboratorRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapewatch_collaborator_request_duration_seconds",
				Help:    "Latency of requests to the scraping service, labeled by operation.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"op"},
		)

		streamReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapewatch_stream_reconnects_total",
				Help: "Progress stream reconnect attempts, labeled by transport.",
			},
			[]string{"transport"},
		)

		streamsOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapewatch_streams_open",
				Help: "Progress subscriptions currently open.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCollaboratorRequest records one submit or cancel round trip.
func ObserveCollaboratorRequest(op, outcome string, duration time.Duration) {
	if collaboratorRequestsTotal == nil {
		return
	}
	collaboratorRequestsTotal.WithLabelValues(op, outcome).Inc()
	collaboratorRequestDurationSecond.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveStreamReconnect counts a reconnect attempt.
func ObserveStreamReconnect(transport string) {
	if streamReconnectsTotal == nil {
		return
	}
	streamReconnectsTotal.WithLabelValues(transport).Inc()
}

// IncStreamsOpen increments the open subscription gauge.
func IncStreamsOpen() {
	if streamsOpen != nil {
		streamsOpen.Inc()
	}
}

// DecStreamsOpen decrements the open subscription gauge.
func DecStreamsOpen() {
	if streamsOpen != nil {
		streamsOpen.Dec()
	}
}
