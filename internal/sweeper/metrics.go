package sweeper

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the settlement sweeper.
// All metrics use the malipo_sweeper_ namespace.
type Metrics struct {
	SweepsTotal   prometheus.Counter
	SessionsSwept prometheus.Counter
	SweepErrors   prometheus.Counter
	RefundedUSD   prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers sweeper metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "sweeper",
			Name:      "sweeps_total",
			Help:      "Total sweep cycles run.",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "sweeper",
			Name:      "sessions_swept_total",
			Help:      "Abandoned sessions settled by the sweeper.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "sweeper",
			Name:      "errors_total",
			Help:      "Failures while enumerating or settling sessions.",
		}),
		RefundedUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "malipo",
			Subsystem: "sweeper",
			Name:      "refunded_usd_total",
			Help:      "USD returned to payers by swept settlements.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "malipo",
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep cycle duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SessionsSwept,
		m.SweepErrors,
		m.RefundedUSD,
		m.SweepDuration,
	)

	return m
}
