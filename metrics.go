package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Channel metrics
	channelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_channel_events_total",
			Help: "Inbound channel events decoded, by event name",
		},
		[]string{"event"},
	)

	channelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_channel_connected",
			Help: "1 while the session channel is connected",
		},
	)

	// Sync metrics
	messagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_routed_total",
			Help: "Inbound messages by dispatch route",
		},
		[]string{"route"}, // "timeline", "notification", "duplicate", "buffered", "dropped"
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound message sends by outcome",
		},
		[]string{"outcome"}, // "confirmed", "rolled_back"
	)

	restRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rest_requests_total",
			Help: "REST calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)
