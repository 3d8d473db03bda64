package runmanager

import "github.com/prometheus/client_golang/prometheus"

// engineMetrics are process-wide (not per-run) Prometheus series, registered
// once at Manager construction. They mirror the same atomic increments each
// RunContext's metricscollector.Collector makes, fed through at completion
// time, so operators scraping the engine process see aggregate health across
// every run without needing per-run percentile reports (spec's own
// mechanism, unaffected).
type engineMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	runsStarted     prometheus.Counter
	runsActive      prometheus.Gauge
}

func newEngineMetrics(reg *prometheus.Registry) *engineMetrics {
	m := &engineMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vayu_requests_total",
			Help: "Total requests dispatched across all runs, labeled by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vayu_request_duration_seconds",
			Help:    "Request latency across all runs.",
			Buckets: prometheus.DefBuckets,
		}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vayu_runs_started_total",
			Help: "Total load runs started since engine boot.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vayu_runs_active",
			Help: "Number of load runs currently running.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.runsStarted, m.runsActive)
	return m
}

func (m *engineMetrics) observeCompletion(success bool, latencySeconds float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(latencySeconds)
}
