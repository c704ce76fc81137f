package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqbroker_messages_published_total",
			Help: "Total number of messages appended to the message log",
		},
		[]string{"channel"},
	)

	NotificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pqbroker_notifications_dispatched_total",
			Help: "Total number of notifications forwarded to subscription handlers",
		},
		[]string{"channel"},
	)

	NotificationsFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbroker_notifications_filtered_total",
			Help: "Total number of notifications dropped by subscription filters",
		},
	)

	NotificationsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pqbroker_notifications_dropped_total",
			Help: "Total number of notifications dropped as undecodable",
		},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pqbroker_active_subscriptions",
			Help: "Number of registered channel subscriptions",
		},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(NotificationsDispatched)
	prometheus.MustRegister(NotificationsFiltered)
	prometheus.MustRegister(NotificationsDropped)
	prometheus.MustRegister(ActiveSubscriptions)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
