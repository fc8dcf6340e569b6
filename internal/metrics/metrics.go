// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the orchestration path touches.
type Metrics struct {
	registry *prometheus.Registry

	ProviderAttempts *prometheus.CounterVec
	BreakerSkips     *prometheus.CounterVec
	PersistRetries   prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ProviderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_provider_attempts_total",
			Help: "Provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		BreakerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_provider_breaker_skips_total",
			Help: "Attempts skipped because the provider's breaker was open.",
		}, []string{"provider"}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_persist_retries_total",
			Help: "Persistence attempts retried after a transient failure.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_generate_duration_seconds",
			Help:    "End-to-end generate request duration by terminal source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
	}
	registry.MustRegister(m.ProviderAttempts, m.BreakerSkips, m.PersistRetries, m.RequestDuration)
	return m
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
