package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hub_active_subscriptions",
		Help: "Registered subscriptions, including parked ones not yet closed.",
	})

	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_delivered_events_total",
		Help: "Events delivered into subscriber buffers.",
	})

	parkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_hub_parked_subscribers_total",
		Help: "Subscribers parked because their buffer overflowed.",
	})
)
