package eventlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_eventlog_appended_events_total",
		Help: "Events committed to the log.",
	})

	batchEvents = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_eventlog_batch_events",
		Help:    "Events per committed write batch.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 9),
	})

	fsyncSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_eventlog_fsync_seconds",
		Help:    "Duration of the per-batch fsync.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	appendSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_eventlog_append_seconds",
		Help:    "Producer-observed append latency, submit to ack.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	busyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_eventlog_busy_rejections_total",
		Help: "Appends rejected because the submit queue was full.",
	})

	segmentsSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_eventlog_segments_sealed_total",
		Help: "Segments rotated and sealed with an index.",
	})

	integrityAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_eventlog_integrity_alerts_total",
		Help: "Integrity violations detected in committed data.",
	})
)
