// Package metrics holds the Prometheus collectors shared by the generation
// core. Collectors are registered on the default registry at init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "diffusiond"

var (
	ResidentMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "residency",
		Name:      "resident_mb",
		Help:      "Accelerator-resident weight memory in MB",
	})

	BudgetMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "residency",
		Name:      "budget_mb",
		Help:      "Effective accelerator budget of the active profile in MB",
	})

	Promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "promotions_total",
			Help:      "Submodules made resident, by source",
		},
		[]string{"source"},
	)

	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "residency",
		Name:      "evictions_total",
		Help:      "Submodules demoted from accelerator to host memory",
	})

	EnsureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "residency",
			Name:      "ensure_failures_total",
			Help:      "Failed residency requests, by reason",
		},
		[]string{"reason"},
	)

	Steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "denoise",
			Name:      "steps_total",
			Help:      "Denoising steps, by outcome (computed or skipped)",
		},
		[]string{"outcome"},
	)

	Generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "generations_total",
			Help:      "Finished generations, by status",
		},
		[]string{"status"},
	)

	WindowSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "window_seconds",
		Help:      "Wall time to denoise and decode one window",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	Downgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "downgrades_total",
		Help:      "Residency downgrade retries (host execution of an overflowing submodule)",
	})
)

func init() {
	prometheus.MustRegister(ResidentMB, BudgetMB, Promotions, Evictions, EnsureFailures,
		Steps, Generations, WindowSeconds, Downgrades)
}
