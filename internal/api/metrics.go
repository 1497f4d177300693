package api

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the Prometheus series the client-facing API and the
// components it fronts update as they run (SPEC_FULL's ambient "/metrics"
// endpoint — not a spec.md feature, but the observability any complete
// repo in this corpus carries regardless of what the distilled spec omits).
type Metrics struct {
	ProvidersActive  prometheus.Gauge
	InFlightRequests prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

// NewMetrics registers the broker's gauges, counters, and histogram on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProvidersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmule_providers_active",
			Help: "Number of provider sessions currently in the active state.",
		}),
		InFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmule_inflight_requests",
			Help: "Number of completion requests currently awaiting a provider response.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmule_requests_total",
			Help: "Completed chat-completion requests by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmule_dispatch_duration_seconds",
			Help:    "Wall-clock time from route() start to a terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.ProvidersActive, m.InFlightRequests, m.RequestsTotal, m.DispatchDuration)
	return m
}
