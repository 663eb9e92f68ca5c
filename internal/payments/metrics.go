package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	reconciledPayments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "payments",
		Name:      "reconciled_total",
		Help:      "Total payments applied to the ledger, by processor.",
	}, []string{"processor"})

	duplicatePayments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "payments",
		Name:      "duplicate_deliveries_total",
		Help:      "Total webhook or callback deliveries ignored as already applied, by processor.",
	}, []string{"processor"})

	rejectedWebhooks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wrylyt",
		Subsystem: "payments",
		Name:      "rejected_webhooks_total",
		Help:      "Total webhook deliveries rejected before reconciliation, by processor and reason.",
	}, []string{"processor", "reason"})
)

func init() {
	prometheus.MustRegister(
		reconciledPayments,
		duplicatePayments,
		rejectedWebhooks,
	)
}
