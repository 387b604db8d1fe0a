package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_fetches_total",
	Help: "The number of page fetches by operation and result",
}, []string{"feed", "op", "result"})

var fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "feed_fetch_duration_seconds",
	Help:    "The duration of page fetches",
	Buckets: prometheus.DefBuckets,
}, []string{"feed", "op"})

var realtimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feed_realtime_events_total",
	Help: "The number of realtime events by kind and outcome",
}, []string{"feed", "kind", "outcome"})

var heldRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "feed_held_records",
	Help: "The number of records currently held by the reconciler",
}, []string{"feed"})

var pendingEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "feed_pending_events",
	Help: "The number of realtime events queued behind an in-flight refresh",
}, []string{"feed"})
