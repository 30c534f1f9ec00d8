// Package metrics holds the runtime's Prometheus collectors. Everything is
// registered on the default registry and served by the ops HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botfleet",
		Name:      "workers_running",
		Help:      "Number of tenant workers currently polling.",
	})

	UpdatesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "updates_processed_total",
		Help:      "Updates consumed across all tenant workers.",
	})

	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "sends_total",
		Help:      "Outbound platform sends by outcome.",
	}, []string{"outcome"}) // ok, rate_limited, permanent, transient

	PostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "scheduled_posts_total",
		Help:      "Scheduled post dispositions.",
	}, []string{"disposition"}) // sent, rescheduled, failed

	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "broadcast_deliveries_total",
		Help:      "Per-recipient broadcast delivery outcomes.",
	}, []string{"outcome"}) // sent, failed

	BroadcastsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "broadcasts_completed_total",
		Help:      "Broadcast runs finished with status COMPLETED.",
	})

	QuotaRefusals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "quota_refusals_total",
		Help:      "Sends refused by the monthly quota gate.",
	})
)
