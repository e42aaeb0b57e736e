package elicitation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createdTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_elicitation_created_total",
		Help: "Elicitations created.",
	})

	respondedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_elicitation_responded_total",
		Help: "Elicitations answered, by response type.",
	}, []string{"response_type"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_elicitation_expired_total",
		Help: "Elicitations expired by the sweeper.",
	})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_elicitation_rejected_responses_total",
		Help: "Responses rejected before reaching the log, by cause.",
	}, []string{"cause"})
)
