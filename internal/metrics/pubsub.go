// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PubSubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sheetsync_pubsub_connections",
		Help: "Number of live connections registered with the event distributor",
	})

	PubSubPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_pubsub_published_total",
		Help: "Total number of events published by kind",
	}, []string{"kind"})

	PubSubDeliveryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetsync_pubsub_delivery_errors_total",
		Help: "Total number of per-subscriber delivery failures by kind (dead, transient, panic)",
	}, []string{"kind"})

	PubSubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sheetsync_pubsub_dropped_total",
		Help: "Total number of events dropped because a subscriber mailbox was full",
	})
)

// IncPublished records one published event.
func IncPublished(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	PubSubPublishedTotal.WithLabelValues(kind).Inc()
}

// IncDeliveryError records one failed delivery to one subscriber.
func IncDeliveryError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	PubSubDeliveryErrorsTotal.WithLabelValues(kind).Inc()
}

// IncDropped records an event dropped for a slow subscriber.
func IncDropped() {
	PubSubDroppedTotal.Inc()
}

// SetConnections publishes the current connection count.
func SetConnections(n int) {
	PubSubConnections.Set(float64(n))
}
