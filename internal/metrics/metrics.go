// Package metrics provides Prometheus metrics for teamsforge.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teamsforge"

// Metrics holds all Prometheus metrics for teamsforge.
type Metrics struct {
	registry *prometheus.Registry

	// Inbound bot traffic
	ActivitiesTotal *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
	TurnsTotal      *prometheus.CounterVec
	RepliesTotal    *prometheus.CounterVec

	// Completion service
	CompletionDuration *prometheus.HistogramVec

	// Provisioning
	ProvisionSteps *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Operator connections
	WSClients prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActivitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Inbound Bot Framework activities by outcome.",
		}, []string{"result"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected inbound bot requests by failing step.",
		}, []string{"step"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Handled message turns by classified kind.",
		}, []string{"kind"}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_replies_total",
			Help:      "Replies posted to the Bot Connector by status.",
		}, []string{"status"}),
		CompletionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion service latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"provider", "status"}),
		ProvisionSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_steps_total",
			Help:      "Provisioning steps by outcome.",
		}, []string{"step", "status"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected operator WebSocket clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ActivitiesTotal,
		m.AuthFailures,
		m.TurnsTotal,
		m.RepliesTotal,
		m.CompletionDuration,
		m.ProvisionSteps,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WSClients,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordActivity records the outcome of an inbound activity.
func (m *Metrics) RecordActivity(result string) {
	if m == nil {
		return
	}
	m.ActivitiesTotal.WithLabelValues(result).Inc()
}

// RecordAuthFailure records a rejected inbound request.
func (m *Metrics) RecordAuthFailure(step string) {
	if m == nil {
		return
	}
	if step == "" {
		step = "unknown"
	}
	m.AuthFailures.WithLabelValues(step).Inc()
}

// RecordTurn records a classified turn.
func (m *Metrics) RecordTurn(kind string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
}

// RecordReply records one reply outcome: the connector status, or ack_only
// when the reply only travels in the HTTP response.
func (m *Metrics) RecordReply(status string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(status).Inc()
}

// RecordCompletion records a completion call.
func (m *Metrics) RecordCompletion(provider string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.CompletionDuration.WithLabelValues(provider, outcome(ok)).Observe(d.Seconds())
}

// RecordProvisionStep records one provisioning step.
func (m *Metrics) RecordProvisionStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.ProvisionSteps.WithLabelValues(step, outcome(ok)).Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// SetWSClients sets the connected operator count.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
