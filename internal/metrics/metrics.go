// Package metrics exposes Prometheus gauges/counters for the update
// detection, scheduling, and auto-upgrade engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_containers_total",
		Help: "Total number of containers observed across all Portainer instances.",
	})
	ContainersWithUpdate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portguard_containers_with_update",
		Help: "Number of containers whose current digest differs from the latest resolved registry digest.",
	})
	DetectorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portguard_detector_runs_total",
		Help: "Total number of detector batch passes by outcome.",
	}, []string{"outcome"})
	DetectorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "portguard_detector_duration_seconds",
		Help:    "Duration of a detector batch pass over one user's deployed images.",
		Buckets: prometheus.DefBuckets,
	})
	BatchRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portguard_batch_runs_total",
		Help: "Total number of batch runs by job type and status.",
	}, []string{"job_type", "status"})
	IntentExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portguard_intent_executions_total",
		Help: "Total number of intent executions by terminal status.",
	}, []string{"status"})
	ContainersUpgradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portguard_containers_upgraded_total",
		Help: "Total number of containers successfully upgraded by an intent execution.",
	})
	ContainersUpgradeFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portguard_containers_upgrade_failed_total",
		Help: "Total number of container upgrade attempts that failed.",
	})
	RegistryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portguard_registry_errors_total",
		Help: "Total number of registry resolution errors by registry host.",
	}, []string{"registry"})
	NotificationsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portguard_notifications_published_total",
		Help: "Total number of notification events published (dedup-accepted) by type.",
	}, []string{"type"})
	NotificationsDeduplicatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portguard_notifications_deduplicated_total",
		Help: "Total number of notification events dropped because their deduplication key was already seen.",
	})
)
