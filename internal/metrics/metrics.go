// Package metrics exposes Prometheus instrumentation for the sync core and
// the feed server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts change events applied to a timeline, by kind.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "events_ingested_total",
		Help:      "Change events applied to timelines.",
	}, []string{"kind"})

	// DuplicatesDropped counts events skipped by idempotent ingestion.
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "duplicates_dropped_total",
		Help:      "Change events dropped because the message was already present.",
	})

	// EventsDropped counts malformed or unmatchable events dropped with a
	// warning.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "events_dropped_total",
		Help:      "Change events dropped without being applied.",
	}, []string{"reason"})

	// SubscriptionsOpen tracks currently open push subscriptions.
	SubscriptionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "subscriptions_open",
		Help:      "Currently open push subscriptions.",
	})

	// Broadcasts counts change events fanned out by the feed hub.
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Subsystem: "feed",
		Name:      "broadcasts_total",
		Help:      "Change events broadcast to feed subscribers.",
	})

	// StoreOps counts persistence operations by op and outcome.
	StoreOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Subsystem: "store",
		Name:      "ops_total",
		Help:      "Persistence operations by operation and outcome.",
	}, []string{"op", "outcome"})
)

// ObserveStoreOp records one persistence operation outcome.
func ObserveStoreOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StoreOps.WithLabelValues(op, outcome).Inc()
}
