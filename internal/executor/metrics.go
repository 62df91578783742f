package executor

import "github.com/prometheus/client_golang/prometheus"

// RunMetrics holds Prometheus metrics for the step scheduler.
// All metrics use the malipo_run_ namespace.
type RunMetrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	SpentUSD     prometheus.Counter
	ActiveRuns   prometheus.Gauge
}

// NewRunMetrics creates and registers run metrics on the given registry.
// Returns nil if reg is nil.
func NewRunMetrics(reg *prometheus.Registry) *RunMetrics {
	if reg == nil {
		return nil
	}

	m := &RunMetrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total runs by terminal status.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration in seconds by terminal status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "steps_total",
			Help:      "Total steps by tool and result status.",
		}, []string{"tool", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds by tool.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		SpentUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "spent_usd_total",
			Help:      "Total confirmed spend in USD across all runs.",
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "malipo",
			Subsystem: "run",
			Name:      "active_runs",
			Help:      "Number of currently executing runs.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StepsTotal,
		m.StepDuration,
		m.SpentUSD,
		m.ActiveRuns,
	)

	return m
}
