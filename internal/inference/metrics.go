package inference

import "github.com/prometheus/client_golang/prometheus"

var (
	completionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "inference",
		Name:      "completions_total",
		Help:      "Total completion calls to the model backend, by model and outcome.",
	}, []string{"model", "outcome"})

	completionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wrylyt",
		Subsystem: "inference",
		Name:      "completion_duration_seconds",
		Help:      "Duration of successful completion calls in seconds.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"model"})

	transcriptionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "inference",
		Name:      "transcriptions_total",
		Help:      "Total transcription calls to the model backend, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		completionRequests,
		completionDuration,
		transcriptionRequests,
	)
}
