// Package metrics provides Prometheus metrics instrumentation for recal.
//
// It exposes operational metrics about recalibration runs, including the
// duration of each pipeline stage (trigger evaluation, optimization,
// validation), run decisions, deployment outcomes, and error tracking. All
// metrics are exposed via the /metrics HTTP endpoint for Prometheus scraping.
//
// Metrics exposed:
//   - recal_trigger_evaluate_seconds: Histogram of trigger evaluation duration
//   - recal_optimize_seconds: Histogram of optimization run duration
//   - recal_runs_total: Counter of completed runs by horizon and decision
//   - recal_deployments_total: Counter of deployments by horizon and outcome
//   - recal_rollbacks_total: Counter of rollbacks by horizon and reason
//   - recal_degradation_ratio: Gauge of the last observed degradation ratio
//   - recal_candidate_mae: Gauge of the last approved candidate's primary error
//   - recal_errors_total: Counter of errors by component and reason
//
// All per-run metrics include the horizon label.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for recal.
type Metrics struct {
	TriggerEvaluateSeconds prometheus.Histogram
	OptimizeSeconds        prometheus.Histogram
	RunsTotal              *prometheus.CounterVec
	DeploymentsTotal       *prometheus.CounterVec
	RollbacksTotal         *prometheus.CounterVec
	DegradationRatio       *prometheus.GaugeVec
	CandidateMAE           *prometheus.GaugeVec
	ErrorsTotal            *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		TriggerEvaluateSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "recal_trigger_evaluate_seconds",
			Help:    "Time spent evaluating trigger conditions",
			Buckets: prometheus.DefBuckets,
		}),

		OptimizeSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "recal_optimize_seconds",
			Help: "Time spent searching the hyperparameter grid",
			// Optimization runs are minutes, not milliseconds.
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recal_runs_total",
			Help: "Completed recalibration runs by horizon and decision",
		}, []string{"horizon", "decision"}),

		DeploymentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recal_deployments_total",
			Help: "Configuration deployments by horizon and settled outcome",
		}, []string{"horizon", "outcome"}),

		RollbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recal_rollbacks_total",
			Help: "Configuration rollbacks by horizon and reason",
		}, []string{"horizon", "reason"}),

		DegradationRatio: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recal_degradation_ratio",
			Help: "Last observed short-window error degradation relative to baseline",
		}, []string{"horizon"}),

		CandidateMAE: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "recal_candidate_mae",
			Help: "Primary error of the last approved candidate",
		}, []string{"horizon"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "recal_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordTriggerEvaluate records the time spent evaluating the trigger.
func (m *Metrics) RecordTriggerEvaluate(seconds float64) {
	m.TriggerEvaluateSeconds.Observe(seconds)
}

// RecordOptimize records the time spent optimizing.
func (m *Metrics) RecordOptimize(seconds float64) {
	m.OptimizeSeconds.Observe(seconds)
}

// RecordRun counts a completed run.
func (m *Metrics) RecordRun(horizon, decision string) {
	m.RunsTotal.WithLabelValues(horizon, decision).Inc()
}

// RecordDeployment counts a deployment's settled outcome.
func (m *Metrics) RecordDeployment(horizon, outcome string) {
	m.DeploymentsTotal.WithLabelValues(horizon, outcome).Inc()
}

// RecordRollback counts a rollback.
func (m *Metrics) RecordRollback(horizon, reason string) {
	m.RollbacksTotal.WithLabelValues(horizon, reason).Inc()
}

// SetDegradationRatio sets the last observed degradation ratio.
func (m *Metrics) SetDegradationRatio(horizon string, ratio float64) {
	m.DegradationRatio.WithLabelValues(horizon).Set(ratio)
}

// SetCandidateMAE sets the last approved candidate's primary error.
func (m *Metrics) SetCandidateMAE(horizon string, mae float64) {
	m.CandidateMAE.WithLabelValues(horizon).Set(mae)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
