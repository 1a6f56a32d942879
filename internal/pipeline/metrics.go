package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Pipeline sessions by result",
		},
		[]string{"pipeline", "result"},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servingd",
			Subsystem: "pipeline",
			Name:      "session_duration_seconds",
			Help:      "Pipeline session latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pipeline"},
	)

	sessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "servingd",
			Subsystem: "pipeline",
			Name:      "sessions_evicted_total",
			Help:      "Idle node sessions dropped by eviction",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal, sessionDuration, sessionsEvicted)
}
