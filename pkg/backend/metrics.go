package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backend_writes_total",
	Help: "The number of record writes by table and operation",
}, []string{"table", "op"})

var pageQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backend_page_queries_total",
	Help: "The number of paged queries served by table",
}, []string{"table", "first_page"})

var realtimeClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "backend_realtime_clients",
	Help: "The number of connected realtime clients",
})

var broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backend_broadcasts_total",
	Help: "The number of envelopes queued to realtime clients",
}, []string{"table", "result"})

var publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "backend_publish_errors_total",
	Help: "The number of failed envelope publishes by publisher",
}, []string{"publisher"})
