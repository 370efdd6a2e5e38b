// Package metrics exposes the engine's Prometheus collectors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts outbox tasks by type and outcome
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_tasks_processed_total",
		Help: "Outbox tasks processed, by task type and outcome",
	}, []string{"type", "outcome"})

	// ExportsDispatched counts export records by destination type and outcome
	ExportsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_exports_dispatched_total",
		Help: "Export records dispatched to destinations, by connector type and outcome",
	}, []string{"connector", "outcome"})

	// ProfilesSynced counts completed profile sync pipeline runs
	ProfilesSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_profiles_synced_total",
		Help: "Completed profile sync pipeline runs",
	})

	// ResolutionsDeferred counts property resolutions deferred on a
	// not-yet-ready dependency
	ResolutionsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_property_resolutions_deferred_total",
		Help: "Property resolutions deferred because a dependency was not ready",
	})
)
