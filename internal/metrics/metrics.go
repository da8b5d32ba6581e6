// Package metrics holds the prometheus collectors of the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_connections",
		Help: "Number of live client connections on this instance.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatline_online_users",
		Help: "Number of users with at least one live connection on this instance.",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_events_published_total",
		Help: "Events handed to local connections, by event type.",
	}, []string{"type"})

	PushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatline_push_failures_total",
		Help: "Connections dropped because an event could not be queued.",
	})

	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_messages_total",
		Help: "Committed message operations, by operation.",
	}, []string{"op"})

	WebPush = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatline_webpush_total",
		Help: "Web push deliveries, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(Connections)
	prometheus.MustRegister(OnlineUsers)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(PushFailures)
	prometheus.MustRegister(Messages)
	prometheus.MustRegister(WebPush)
}
