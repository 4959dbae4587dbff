package offchain

import (
	"github.com/colorhub/hubd/errcode"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "offchain",
			Name:      "operations_total",
			Help:      "Channel operations by name and outcome.",
		},
		[]string{"operation", "result"},
	)

	commitmentBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "offchain",
			Name:      "commitment_broadcasts_total",
			Help:      "Commitments published, by commitment type.",
		},
		[]string{"type"},
	)
)

// Collectors returns the metrics of the engine for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{operationsTotal, commitmentBroadcasts}
}

// observe counts the outcome of op. Errors carrying a kind are requests the
// engine turned down, any other error is a failure.
func observe(op string, err *error) {
	result := "ok"
	switch {
	case *err == nil:

	case errcode.KindOf(*err) != nil:
		result = "rejected"

	default:
		result = "failed"
	}

	operationsTotal.WithLabelValues(op, result).Inc()
}
