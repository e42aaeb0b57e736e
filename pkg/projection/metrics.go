package projection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_projection_applied_events_total",
		Help: "Events folded into projections, counted per projection.",
	})

	applyErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_projection_apply_errors_total",
		Help: "Live apply failures recorded as integrity alerts.",
	})

	snapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_projection_snapshots_total",
		Help: "Snapshots persisted across all projections.",
	})

	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_projection_resyncs_total",
		Help: "Replays forced by a lagged hub subscription.",
	})
)
