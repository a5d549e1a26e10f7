package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testbor"

// Metrics holds the payment and entitlement collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry         *prometheus.Registry
	intentsCreated   *prometheus.CounterVec
	intentsResolved  *prometheus.CounterVec
	premiumGrants    *prometheus.CounterVec
	webhooks         *prometheus.CounterVec
	stars            *prometheus.CounterVec
	processorCalls   *prometheus.CounterVec
	processorLatency prometheus.Histogram
	httpRequests     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		intentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_created_total",
			Help:      "Payment intents recorded before checkout.",
		}, []string{"rail"}),
		intentsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intents_resolved_total",
			Help:      "Resolution attempts by outcome; duplicate means the intent was already terminal.",
		}, []string{"rail", "status", "outcome"}),
		premiumGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "premium_grants_total",
			Help:      "Premium grant attempts by source.",
		}, []string{"source", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Crypto processor webhook deliveries by result.",
		}, []string{"result"}),
		stars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stars_total",
			Help:      "Stars credited and debited.",
		}, []string{"direction"}),
		processorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_calls_total",
			Help:      "Outbound payment processor API calls by result.",
		}, []string{"result"}),
		processorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_call_duration_seconds",
			Help:      "Latency of outbound payment processor API calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the admin server.",
		}, []string{"route", "method", "status"}),
	}
	registry.MustRegister(
		m.intentsCreated,
		m.intentsResolved,
		m.premiumGrants,
		m.webhooks,
		m.stars,
		m.processorCalls,
		m.processorLatency,
		m.httpRequests,
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IntentCreated(rail string) {
	if m == nil {
		return
	}
	m.intentsCreated.WithLabelValues(rail).Inc()
}

func (m *Metrics) IntentResolved(rail, status string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "duplicate"
	}
	m.intentsResolved.WithLabelValues(rail, status, outcome).Inc()
}

func (m *Metrics) PremiumGrant(source string, granted bool) {
	if m == nil {
		return
	}
	result := "granted"
	if !granted {
		result = "already_premium"
	}
	m.premiumGrants.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

func (m *Metrics) StarsCredited(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.stars.WithLabelValues("credit").Add(float64(n))
}

func (m *Metrics) StarsDebited(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.stars.WithLabelValues("debit").Add(float64(n))
}

func (m *Metrics) ProcessorCall(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.processorCalls.WithLabelValues(result).Inc()
	m.processorLatency.Observe(took.Seconds())
}

func (m *Metrics) HTTPRequest(route, method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, http.StatusText(status)).Inc()
}
