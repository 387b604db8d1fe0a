package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "realtime_messages_total",
	Help: "The number of realtime messages received by transport and result",
}, []string{"transport", "result"})

var subscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "realtime_subscription_errors_total",
	Help: "The number of dropped or failed realtime subscriptions",
}, []string{"transport"})

var reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "realtime_reconnects_total",
	Help: "The number of successful realtime reconnects",
}, []string{"transport"})

var activeSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "realtime_active_subscriptions",
	Help: "The number of open realtime subscriptions",
}, []string{"transport"})
