// Package metrics exposes Prometheus collectors for the firewall: verdict
// counts, evaluation latency, analyzer failures, and request inflight.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/txshield/firewall-engine/pkg/models"
)

type Metrics struct {
	verdicts        *prometheus.CounterVec
	evalLatency     prometheus.Histogram
	analyzerFailures *prometheus.CounterVec
	inflight        prometheus.Gauge
	rpcForwarded    prometheus.Counter
	alertsDetected  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_verdicts_total",
			Help: "Verdicts issued, by action.",
		}, []string{"action"}),
		evalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "firewall_evaluation_seconds",
			Help:    "End-to-end evaluation latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 5},
		}),
		analyzerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_analyzer_failures_total",
			Help: "Analyzer runs that returned partial results, by source.",
		}, []string{"source"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "firewall_inflight_requests",
			Help: "Scan and proxy requests currently being evaluated.",
		}),
		rpcForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "firewall_rpc_forwarded_total",
			Help: "JSON-RPC requests passed through to upstream.",
		}),
		alertsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "firewall_mempool_alerts_total",
			Help: "Mempool alerts detected, by kind.",
		}, []string{"kind"}),
	}
}

// ObserveVerdict implements the pipeline's metrics hook.
func (m *Metrics) ObserveVerdict(action models.Action, elapsed time.Duration) {
	m.verdicts.WithLabelValues(string(action)).Inc()
	m.evalLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAnalyzerFailure(source string) {
	m.analyzerFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) InflightInc() { m.inflight.Inc() }
func (m *Metrics) InflightDec() { m.inflight.Dec() }

func (m *Metrics) ObserveForward() { m.rpcForwarded.Inc() }

func (m *Metrics) ObserveAlert(kind models.AlertKind) {
	m.alertsDetected.WithLabelValues(string(kind)).Inc()
}
