package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	LimiterWait     prometheus.Histogram
	SourcesTotal    prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	SkipsTotal      *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardscrape_requests_total",
			Help: "Fetches finished by the crawler, by content kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardscrape_request_duration_seconds",
			Help:    "Latency of single fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	limiterWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cardscrape_limiter_wait_seconds",
			Help:    "Time spent waiting on the per-domain rate limiter.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	sources := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cardscrape_sources_total",
			Help: "Sources handed to the aggregation pipeline.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cardscrape_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardscrape_errors_total",
			Help: "Failed fetch attempts by error kind.",
		},
		[]string{"error_kind"},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardscrape_skips_total",
			Help: "Resources skipped without contributing a source, by reason.",
		},
		[]string{"reason"},
	)

	registry.MustRegister(requests, requestDuration, limiterWait, sources, retries, errorsTotal, skips)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		LimiterWait:     limiterWait,
		SourcesTotal:    sources,
		RetriesTotal:    retries,
		ErrorsTotal:     errorsTotal,
		SkipsTotal:      skips,
	}
}

// IncRequest counts one finished fetch.
func (m *Metrics) IncRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDuration records the duration of one attempt.
func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveLimiterWait records time blocked in the rate limiter.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

// IncSources increments the aggregated sources counter.
func (m *Metrics) IncSources() {
	if m == nil {
		return
	}
	m.SourcesTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a kind label.
func (m *Metrics) IncError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// IncSkip increments the skips counter for a reason label.
func (m *Metrics) IncSkip(reason string) {
	if m == nil {
		return
	}
	m.SkipsTotal.WithLabelValues(reason).Inc()
}
