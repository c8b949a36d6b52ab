package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oidc_rp"

// Metrics holds the relying party's Prometheus collectors. Each instance owns
// its registry so several apps (and tests) can coexist in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LoginsStarted      prometheus.Counter
	Callbacks          *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	BindFailures       *prometheus.CounterVec
	ProviderFetches    *prometheus.CounterVec
	StaleServed        *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LoginsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_started_total",
			Help:      "Login attempts redirected to the provider",
		}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Provider callbacks by outcome",
		}, []string{"outcome"}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_token_validation_failures_total",
			Help:      "Rejected ID tokens by failure kind",
		}, []string{"kind"}),
		BindFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Verified identities that could not be bound to a local account",
		}, []string{"kind"}),
		ProviderFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetches_total",
			Help:      "Outbound provider requests by resource and result",
		}, []string{"resource", "result"}),
		StaleServed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_cache_served_total",
			Help:      "Cached provider documents served after a failed refresh",
		}, []string{"resource"}),
		ProviderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of outbound provider requests",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"resource"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncLoginsStarted() {
	if m == nil {
		return
	}
	m.LoginsStarted.Inc()
}

// IncCallback records a callback outcome ("success" or a flow error code).
func (m *Metrics) IncCallback(outcome string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncValidationFailure(kind string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncBindFailure(kind string) {
	if m == nil {
		return
	}
	m.BindFailures.WithLabelValues(kind).Inc()
}

// ObserveProviderFetch records one outbound request to the provider.
// Call with time.Now() at the start of the request.
func (m *Metrics) ObserveProviderFetch(resource, result string, start time.Time) {
	if m == nil {
		return
	}
	m.ProviderFetches.WithLabelValues(resource, result).Inc()
	m.ProviderDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncStaleServed(resource string) {
	if m == nil {
		return
	}
	m.StaleServed.WithLabelValues(resource).Inc()
}
