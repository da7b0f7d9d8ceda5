package scheduler

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Self-observability metrics for the supervisor's own scheduler tasks.
var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "formicaio_nodes_total", Help: "Total number of nodes by status"},
		[]string{"status"},
	)

	MetricsScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "formicaio_metrics_scrape_duration_seconds", Help: "Duration of one metrics poll cycle", Buckets: prometheus.DefBuckets},
	)

	MetricsScrapeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "formicaio_metrics_scrape_failures_total", Help: "Total number of failed node metric scrapes"},
	)

	BalancePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "formicaio_balance_poll_duration_seconds", Help: "Duration of one balance oracle poll cycle", Buckets: prometheus.DefBuckets},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "formicaio_reconciliation_duration_seconds", Help: "Duration of one reconciliation sweep", Buckets: prometheus.DefBuckets},
	)

	ReconciliationCorrectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "formicaio_reconciliation_corrections_total", Help: "Total number of nodes corrected by reconciliation"},
	)

	UpgradesAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "formicaio_upgrades_applied_total", Help: "Total number of node upgrades applied"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(MetricsScrapeDuration)
	prometheus.MustRegister(MetricsScrapeFailuresTotal)
	prometheus.MustRegister(BalancePollDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCorrectionsTotal)
	prometheus.MustRegister(UpgradesAppliedTotal)
}

// MetricsHandler exposes the self-metrics registry over HTTP.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// Timer times one task cycle for a histogram observation.
type Timer struct{ start time.Time }

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) { h.Observe(time.Since(t.start).Seconds()) }
