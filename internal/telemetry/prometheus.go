// Package telemetry records FunnelMetrics operational metrics. The API
// exposes Prometheus collectors on /metrics; the email worker pushes to
// CloudWatch since Lambda has no scrape target.
package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"funnelmetrics/internal/subscriptions"
	"funnelmetrics/internal/types"
)

// Prometheus holds the API process collectors on a private registry.
type Prometheus struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	webhooks        *prometheus.CounterVec
	denials         *prometheus.CounterVec
	upstreamFailure *prometheus.CounterVec
}

// NewPrometheus registers all collectors, plus the Go runtime and process
// collectors, under namespace. The namespace is lowercased, so the CloudWatch
// namespace "FunnelMetrics" yields funnelmetrics_* series.
func NewPrometheus(namespace string) *Prometheus {
	namespace = strings.ToLower(namespace)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status.",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Billing webhook events by type and reconciliation outcome.",
		}, []string{"event_type", "outcome"}),
		denials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "entitlement_denied_total",
			Help:      "Requests refused by an entitlement guard.",
		}, []string{"reason"}),
		upstreamFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "failures_total",
			Help:      "Outbound calls that ended in an upstream error.",
		}, []string{"provider", "code"}),
	}
}

// RecordRequest observes one HTTP request. endpoint must be the route
// pattern, not the raw path, to keep label cardinality bounded.
func (p *Prometheus) RecordRequest(method, endpoint string, status int, duration time.Duration) {
	p.requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	p.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordWebhook counts one reconciled webhook event.
func (p *Prometheus) RecordWebhook(eventType string, outcome subscriptions.Outcome) {
	p.webhooks.WithLabelValues(eventType, string(outcome)).Inc()
}

// RecordEntitlementDenied counts one refused request.
func (p *Prometheus) RecordEntitlementDenied(reason types.ErrorCode) {
	p.denials.WithLabelValues(string(reason)).Inc()
}

// RecordUpstreamFailure matches external.FailureObserver.
func (p *Prometheus) RecordUpstreamFailure(provider string, err *types.AppError) {
	code := "unknown"
	if err != nil {
		code = string(err.Code)
	}
	p.upstreamFailure.WithLabelValues(provider, code).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

var _ subscriptions.Metrics = (*Prometheus)(nil)
