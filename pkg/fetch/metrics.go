package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fetch_requests_total",
	Help: "The number of paged queries sent by source and result",
}, []string{"source", "function", "result"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "fetch_request_duration_seconds",
	Help:    "The duration of paged queries",
	Buckets: prometheus.DefBuckets,
}, []string{"source", "function"})

var rowsReturned = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "fetch_rows_returned",
	Help:    "The number of rows returned per paged query",
	Buckets: prometheus.ExponentialBuckets(1, 2, 11),
}, []string{"source", "function"})
