package contractcourt

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	checkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hubd",
			Subsystem: "monitor",
			Name:      "check_duration_seconds",
			Help:      "Duration of one pass over the ledger.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	breachesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "monitor",
			Name:      "breaches_total",
			Help:      "Revoked commitments published by clients.",
		},
	)

	clientClosesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "monitor",
			Name:      "client_closes_total",
			Help: "Channels closed by a client with its latest " +
				"commitment.",
		},
	)

	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Matured hub commitment outputs swept.",
		},
	)

	releasedClaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "monitor",
			Name:      "released_claims_total",
			Help: "Claims dropped because their tx never made it " +
				"to the ledger.",
		},
	)

	feePoolCoins = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubd",
			Subsystem: "feepool",
			Name:      "coins",
			Help:      "Fee coins available, by queue.",
		},
		[]string{"queue"},
	)
)

// Collectors returns the metrics of the monitor for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		checkDuration, breachesTotal, clientClosesTotal, sweepsTotal,
		releasedClaims, feePoolCoins,
	}
}

// updatePoolGauge publishes the size of every fee queue.
func (m *Monitor) updatePoolGauge() error {
	if m.cfg.Build == nil || m.cfg.Build.Pool == nil {
		return nil
	}

	queues, err := m.cfg.Build.Pool.Queues()
	if err != nil {
		return err
	}

	for _, queue := range queues {
		n, err := m.cfg.Build.Pool.Count(queue)
		if err != nil {
			return err
		}
		feePoolCoins.WithLabelValues(queue).Set(float64(n))

		if n == 0 {
			log.Warnf("Fee queue %v is empty", queue)
		}
	}

	return nil
}
