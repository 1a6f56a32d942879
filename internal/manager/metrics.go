package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	versionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "manager",
			Name:      "version_transitions_total",
			Help:      "Model version state transitions",
		},
		[]string{"model", "state"},
	)

	defaultVersionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servingd",
			Subsystem: "manager",
			Name:      "default_version",
			Help:      "Default version per model (0 when none is available)",
		},
		[]string{"model"},
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "manager",
			Name:      "reconcile_total",
			Help:      "Model reconciliations by result",
		},
		[]string{"model", "result"},
	)

	resourcesReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "manager",
			Name:      "resources_released_total",
			Help:      "Shared resources released by resource cleanup",
		},
	)
)

func init() {
	prometheus.MustRegister(versionTransitions, defaultVersionGauge, reconcileTotal, resourcesReleased)
}
