// Package metrics instruments the evaluation pipeline with Prometheus
// metrics: one struct of promauto-registered collectors passed around by
// the call sites that observe them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector EvaluateApp exposes.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	AdmittedTotal   prometheus.Counter
	InFlight        prometheus.Gauge
	SandboxDuration *prometheus.HistogramVec
	ResultTotal     *prometheus.CounterVec
	CallbackTotal   *prometheus.CounterVec
	ArchiveRejected *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluateapp_requests_total",
				Help: "Total /evaluate requests by outcome (admitted, auth_error, bad_request).",
			},
			[]string{"outcome"},
		),
		AdmittedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "evaluateapp_evaluations_admitted_total",
				Help: "Total evaluations that acquired an admission slot.",
			},
		),
		InFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "evaluateapp_evaluations_in_flight",
				Help: "Evaluations currently holding an admission slot.",
			},
		),
		SandboxDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evaluateapp_sandbox_duration_seconds",
				Help:    "Wall-clock time spent inside the sandbox runner, by backend.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 340},
			},
			[]string{"backend"},
		),
		ResultTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluateapp_results_total",
				Help: "Total evaluation results by status (COMPLETED, ERROR).",
			},
			[]string{"status"},
		),
		CallbackTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluateapp_callback_total",
				Help: "Total callback POST attempts by outcome (delivered, non_2xx, timeout, error).",
			},
			[]string{"outcome"},
		),
		ArchiveRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluateapp_archive_rejected_total",
				Help: "Archive expansion rejections by rejected archive (submission, judge).",
			},
			[]string{"reason"},
		),
	}
}
