// Package metrics exposes Prometheus collectors for bundle adjustment runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sfm_refiner"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the collectors recorded by the adjuster.
type Metrics struct {
	Runs              *prometheus.CounterVec
	Iterations        prometheus.Histogram
	Duration          prometheus.Histogram
	InitialRMSE       prometheus.Gauge
	FinalRMSE         prometheus.Gauge
	ResidualBlocks    *prometheus.GaugeVec
	Registrations     *prometheus.CounterVec
	SkippedControlPts prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adjust_runs_total",
			Help:      "Bundle adjustment runs by outcome.",
		}, []string{"outcome"}),
		Iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_iterations",
			Help:      "Minimizer iterations per run.",
			Buckets:   prometheus.LinearBuckets(0, 5, 11),
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adjust_duration_seconds",
			Help:      "Wall time of a bundle adjustment run.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		InitialRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "initial_rmse",
			Help:      "Root mean squared residual before the last run.",
		}),
		FinalRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "final_rmse",
			Help:      "Root mean squared residual after the last run.",
		}),
		ResidualBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_blocks",
			Help:      "Residual blocks of the last run by kind.",
		}, []string{"kind"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prior_registrations_total",
			Help:      "Motion prior registrations by usability.",
		}, []string{"usable"}),
		SkippedControlPts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_control_points_total",
			Help:      "Ground control points without observations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Runs, m.Iterations, m.Duration, m.InitialRMSE, m.FinalRMSE,
		m.ResidualBlocks, m.Registrations, m.SkippedControlPts,
	}
}

// RecordRegistration counts a registration attempt.
func (m *Metrics) RecordRegistration(usable bool) {
	if m == nil {
		return
	}
	label := "false"
	if usable {
		label = "true"
	}
	m.Registrations.WithLabelValues(label).Inc()
}

// Run is what the adjuster reports after each run.
type Run struct {
	Success        bool
	Iterations     int
	Seconds        float64
	InitialRMSE    float64
	FinalRMSE      float64
	ResidualBlocks map[string]int
	SkippedGCPs    int
}

// RecordRun records one adjustment run. It is a no-op on a nil receiver.
func (m *Metrics) RecordRun(r Run) {
	if m == nil {
		return
	}
	outcome := OutcomeFailure
	if r.Success {
		outcome = OutcomeSuccess
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.Iterations.Observe(float64(r.Iterations))
	m.Duration.Observe(r.Seconds)
	m.InitialRMSE.Set(r.InitialRMSE)
	m.FinalRMSE.Set(r.FinalRMSE)
	for kind, n := range r.ResidualBlocks {
		m.ResidualBlocks.WithLabelValues(kind).Set(float64(n))
	}
	m.SkippedControlPts.Add(float64(r.SkippedGCPs))
}

// WriteTextfile writes the metrics gathered by g in the Prometheus text format.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	return prometheus.WriteToTextfile(path, g)
}
