package ride

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rideTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_transitions_total",
		Help: "Controller step transitions grouped by destination step.",
	}, []string{"to"})

	matchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_attempts_total",
		Help: "Client-initiated driver match attempts grouped by outcome.",
	}, []string{"result"})

	bookingRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_rejections_total",
		Help: "Rejected bookRide calls grouped by validation reason.",
	}, []string{"reason"})

	reconcilerSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_signals_total",
		Help: "Semantic signals emitted by the realtime reconciler.",
	}, []string{"kind"})

	reconcilerResubscribesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_resubscribes_total",
		Help: "Change-feed resubscriptions after transport drops.",
	})
)
