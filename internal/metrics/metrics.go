// Package metrics provides Prometheus instrumentation for Kestrel.
// Collectors live on a dedicated registry so several instances can coexist in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics holds every Kestrel collector. A nil *Metrics is a valid no-op.
type Metrics struct {
	Registry *prometheus.Registry

	AnalysesTotal        *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	RiskScore            prometheus.Histogram
	TransactionsIngested *prometheus.CounterVec
	CycleSearchTruncated prometheus.Counter
	PolicyErrors         *prometheus.CounterVec
	PoliciesLoaded       prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, including Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed risk analyses by tier and alert status.",
		}, []string{"tier", "status"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Triggered alert policies by policy and severity.",
		}, []string{"policy", "severity"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_stage_duration_seconds",
			Help:      "Analysis latency by pipeline stage.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),

		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of composite risk scores.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),

		TransactionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Ledger transactions accepted by type.",
		}, []string{"type"}),

		CycleSearchTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_search_truncated_total",
			Help:      "Cycle searches that stopped at the expansion budget.",
		}),

		PolicyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_errors_total",
			Help:      "Alert policy evaluation errors by policy.",
		}, []string{"policy"}),

		PoliciesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies_loaded",
			Help:      "Alert policies currently compiled.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AnalysesTotal,
		m.AlertsTotal,
		m.StageDuration,
		m.RiskScore,
		m.TransactionsIngested,
		m.CycleSearchTruncated,
		m.PolicyErrors,
		m.PoliciesLoaded,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveAnalysis records a completed analysis.
func (m *Metrics) ObserveAnalysis(a *domain.Analysis) {
	if m == nil || a == nil || a.Result == nil {
		return
	}

	m.AnalysesTotal.WithLabelValues(string(a.Result.OverallRisk), a.Status).Inc()
	m.RiskScore.Observe(a.Result.RiskScore)

	md := a.Metadata
	m.StageDuration.WithLabelValues("load").Observe(ms(md.LoadMs))
	m.StageDuration.WithLabelValues("engine").Observe(ms(md.EngineMs))
	m.StageDuration.WithLabelValues("policy").Observe(ms(md.PolicyMs))
	m.StageDuration.WithLabelValues("total").Observe(ms(md.TotalMs))

	if cf := a.Result.CircularFlows; cf != nil && cf.Truncated {
		m.CycleSearchTruncated.Inc()
	}

	for _, p := range a.Alerts {
		if p.Error != "" {
			m.PolicyErrors.WithLabelValues(p.PolicyID).Inc()
		}
		if p.Triggered {
			m.AlertsTotal.WithLabelValues(p.PolicyID, string(p.Severity)).Inc()
		}
	}
}

// ObserveIngest records an accepted ledger transaction.
func (m *Metrics) ObserveIngest(txType string) {
	if m == nil {
		return
	}
	m.TransactionsIngested.WithLabelValues(txType).Inc()
}

// SetPoliciesLoaded records the compiled policy count.
func (m *Metrics) SetPoliciesLoaded(n int) {
	if m == nil {
		return
	}
	m.PoliciesLoaded.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "not_found"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func ms(v int64) float64 {
	return float64(v) / 1000
}
