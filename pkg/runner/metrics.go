package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SandlabRunsTotal tracks interpreter runs by final status
	SandlabRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandlab_runs_total",
			Help: "Total number of scenario runs by status",
		},
		[]string{"status"},
	)

	// SandlabStepsTotal tracks executed steps
	SandlabStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandlab_steps_total",
			Help: "Total number of scenario steps executed",
		},
	)

	// SandlabDetectionsTotal tracks detection events by type and rule
	SandlabDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandlab_detections_total",
			Help: "Total number of detection events emitted",
		},
		[]string{"type", "rule"},
	)
)

func init() {
	prometheus.MustRegister(SandlabRunsTotal)
	prometheus.MustRegister(SandlabStepsTotal)
	prometheus.MustRegister(SandlabDetectionsTotal)
}
