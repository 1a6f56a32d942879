package sweeper

import "github.com/prometheus/client_golang/prometheus"

var (
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Cleanup rounds per sweeper",
		},
		[]string{"sweeper"},
	)

	cleaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "sweeper",
			Name:      "removed_total",
			Help:      "Items removed per sweeper",
		},
		[]string{"sweeper"},
	)
)

func init() {
	prometheus.MustRegister(runs, cleaned)
}
