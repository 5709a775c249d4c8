package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_ws_connections",
		Help: "Current number of registered websocket connections",
	})
	QueueOverflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_send_queue_overflow_total",
		Help: "Total messages dropped from outbound queues under the drop-oldest policy",
	})
	PublishDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_publish_dropped_total",
		Help: "Total publishes that found a member connection already closed",
	})
	NotificationsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_notifications_delivered_total",
		Help: "Total notifications persisted and pushed to personal groups",
	})
	SessionsActivatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "live_sessions_activated_total",
		Help: "Total rooms that transitioned from waiting to active",
	})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		QueueOverflowTotal,
		PublishDroppedTotal,
		NotificationsDeliveredTotal,
		SessionsActivatedTotal,
	)
}
