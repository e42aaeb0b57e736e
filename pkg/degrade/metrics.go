package degrade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_degrade_transitions_total",
		Help: "Degradation state transitions by target state.",
	}, []string{"state"})

	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_degrade_state",
		Help: "Current degradation state: 0 normal, 1 recovering, 2 emergency.",
	})

	componentHealthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_degrade_component_health",
		Help: "Reported component health: 1 healthy, 0 unhealthy.",
	}, []string{"component"})
)
