package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatch_checks_total",
		Help: "Validation decisions by deciding tier.",
	}, []string{"tier"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatch_decisions_total",
		Help: "Validation decisions by outcome.",
	}, []string{"decision"})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dispatch_coalesced_total",
		Help: "Checks that attached to an identical in-flight evaluation.",
	})

	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatch_escalations_total",
		Help: "Expert escalations by outcome.",
	}, []string{"outcome"})

	invalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dispatch_invalidations_total",
		Help: "Decision cache invalidations by scope.",
	}, []string{"scope"})
)
