package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	toolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "broker",
		Name:      "tool_runs_total",
		Help:      "Total tool runs, by tool and outcome.",
	}, []string{"tool", "outcome"})

	creditsCharged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "broker",
		Name:      "credits_charged_total",
		Help:      "Total credits committed for successful tool runs, by tool.",
	}, []string{"tool"})
)

func init() {
	prometheus.MustRegister(
		toolRuns,
		creditsCharged,
	)
}
