package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level collectors. Helpers are no-ops until Register succeeds, so
// library code can record unconditionally.
var (
	regOK atomic.Bool

	lockAcquired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Number of successful lock acquisitions.",
		}, []string{"kind"},
	)
	lockConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "lock",
			Name:      "conflicts_total",
			Help:      "Number of acquisitions refused because a blocking lock was held.",
		}, []string{"kind"},
	)
	lockReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "lock",
			Name:      "stale_reaped_total",
			Help:      "Number of stale lock records reclaimed.",
		}, []string{"kind"},
	)

	checks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "update",
			Name:      "checks_total",
			Help:      "Update checks by result.",
		}, []string{"result"},
	)
	applies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "update",
			Name:      "applies_total",
			Help:      "Apply attempts by result.",
		}, []string{"result"},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "update",
			Name:      "rollbacks_total",
			Help:      "Rollbacks by reason.",
		}, []string{"reason"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "update",
			Name:      "state_transitions_total",
			Help:      "State Record status transitions.",
		}, []string{"from", "to"},
	)

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "shim",
			Name:      "launches_total",
			Help:      "Launches by mode (normal, health_check, fallback).",
		}, []string{"mode"},
	)
	bootFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stagehand",
			Subsystem: "shim",
			Name:      "boot_failures_total",
			Help:      "Health-checked launches that failed or timed out.",
		},
	)
	failedBootCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stagehand",
			Subsystem: "shim",
			Name:      "failed_boot_count",
			Help:      "Current consecutive failed boot count.",
		},
	)
	healthWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stagehand",
			Subsystem: "shim",
			Name:      "health_wait_seconds",
			Help:      "Time from launch to health verdict.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		lockAcquired, lockConflicts, lockReaped,
		checks, applies, rollbacks, transitions,
		launches, bootFailures, failedBootCount, healthWait,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func IncLockAcquired(kind string) {
	if regOK.Load() {
		lockAcquired.WithLabelValues(kind).Inc()
	}
}

func IncLockConflict(kind string) {
	if regOK.Load() {
		lockConflicts.WithLabelValues(kind).Inc()
	}
}

func IncStaleLockReaped(kind string) {
	if regOK.Load() {
		lockReaped.WithLabelValues(kind).Inc()
	}
}

func IncCheck(result string) {
	if regOK.Load() {
		checks.WithLabelValues(result).Inc()
	}
}

func IncApply(result string) {
	if regOK.Load() {
		applies.WithLabelValues(result).Inc()
	}
}

func IncRollback(reason string) {
	if regOK.Load() {
		rollbacks.WithLabelValues(reason).Inc()
	}
}

func RecordTransition(from, to string) {
	if regOK.Load() && from != to {
		transitions.WithLabelValues(from, to).Inc()
	}
}

func IncLaunch(mode string) {
	if regOK.Load() {
		launches.WithLabelValues(mode).Inc()
	}
}

func IncBootFailure() {
	if regOK.Load() {
		bootFailures.Inc()
	}
}

func SetFailedBootCount(n int) {
	if regOK.Load() {
		failedBootCount.Set(float64(n))
	}
}

func ObserveHealthWait(seconds float64) {
	if regOK.Load() {
		healthWait.Observe(seconds)
	}
}
