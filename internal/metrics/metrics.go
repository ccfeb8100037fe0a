package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Oracle outcomes.
const (
	OracleHit      = "hit"
	OracleMiss     = "miss"
	OracleFallback = "fallback"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	oracleOutcomes    *prometheus.CounterVec
	ledgerOps         *prometheus.CounterVec
	ledgerRetries     prometheus.Counter
	matchRequests     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		oracleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preference_oracle_outcomes_total",
			Help: "Preference scoring calls by outcome (hit, miss, fallback).",
		}, []string{"outcome"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Credit ledger operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_ledger_tx_retries_total",
			Help: "Ledger transactions retried after a write conflict.",
		}),
		matchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "match_requests_total",
			Help: "Categorized grant requests by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.httpRequestsTotal,
		m.httpDuration,
		m.oracleOutcomes,
		m.ledgerOps,
		m.ledgerRetries,
		m.matchRequests,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) OracleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.oracleOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerOp(op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) LedgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

func (m *Metrics) MatchRequest(outcome string) {
	if m == nil {
		return
	}
	m.matchRequests.WithLabelValues(outcome).Inc()
}
