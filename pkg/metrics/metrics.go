// Package metrics exposes the proxy's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the proxy's collectors. A nil *Metrics is valid and records
// nothing, so wiring stays optional in tests.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	outputTokens     *prometheus.CounterVec
	routeMisses      prometheus.Counter
}

// New registers the proxy collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_http_requests_total",
			Help: "HTTP requests handled, by route pattern and status code.",
		}, []string{"path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrelay_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		upstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_upstream_requests_total",
			Help: "Upstream provider calls, by route, provider and status code.",
		}, []string{"route", "provider", "status"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrelay_upstream_request_duration_seconds",
			Help:    "Upstream provider call latency by route and provider.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"route", "provider"}),
		outputTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrelay_output_tokens_total",
			Help: "Output tokens reported by translated upstream responses.",
		}, []string{"route"}),
		routeMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "llmrelay_route_misses_total",
			Help: "Requests for model names with no configured route.",
		}),
	}
}

func (m *Metrics) RecordHTTPRequest(path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamRequest(route, provider string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(route, provider, strconv.Itoa(status)).Inc()
	m.upstreamDuration.WithLabelValues(route, provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordOutputTokens(route string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.outputTokens.WithLabelValues(route).Add(float64(tokens))
}

func (m *Metrics) RecordRouteMiss() {
	if m == nil {
		return
	}
	m.routeMisses.Inc()
}
