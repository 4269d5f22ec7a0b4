// Package metrics holds the Prometheus collectors shared by the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_appended_total",
		Help: "Messages appended to channel logs.",
	})

	MessagesDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_deleted_total",
		Help: "Messages removed by compensating deletes.",
	})

	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_events_published_total",
		Help: "Events handed to the live broadcaster.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_events_dropped_total",
		Help: "Events not queued because a subscriber inbox was full.",
	})

	BatchesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_batches_dropped_total",
		Help: "Batches discarded because a subscriber did not keep up.",
	})

	LiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_live_subscriptions",
		Help: "Open live subscriptions.",
	})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Connected websocket viewers.",
	})

	Answers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_answers_total",
		Help: "Answer generation attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		MessagesDeleted,
		EventsPublished,
		EventsDropped,
		BatchesDropped,
		LiveSubscriptions,
		WSConnections,
		Answers,
	)
}
