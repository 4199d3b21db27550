package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_match_seconds",
		Help:    "Time spent selecting and reserving a cab for a booking.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	reservationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_reservation_conflicts_total",
		Help: "Reservations lost to a concurrent booking between scan and reserve.",
	})

	rescans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_rescans_total",
		Help: "Full candidate re-scans after every candidate was lost to contention.",
	})
)
