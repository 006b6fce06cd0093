// Package metrics exports the orchestrator's Prometheus metric set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Health metrics
	regionHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_region_health_score",
			Help: "Aggregated health score per region (0-100)",
		},
		[]string{"region"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_probe_duration_seconds",
			Help:    "Health probe round-trip time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)

	probeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_probe_failures_total",
			Help: "Total failed health probe samples",
		},
		[]string{"region"},
	)

	// Replication metrics
	replicationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_replication_lag_seconds",
			Help: "Measured replication lag per standby region",
		},
		[]string{"region"},
	)

	// Decision engine metrics
	engineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_engine_state",
			Help: "Decision engine state (0=stable 1=suspect 2=armed 3=failing_over 4=failed_over 5=recovering 6=aborted)",
		},
	)

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_state_transitions_total",
			Help: "Decision engine state transitions",
		},
		[]string{"from", "to"},
	)

	// Failover metrics
	failoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_failovers_total",
			Help: "Failover attempts by terminal outcome",
		},
		[]string{"outcome"},
	)

	failoverDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_failover_duration_seconds",
			Help:    "Wall time from trigger to terminal outcome",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Backup metrics
	backupVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_backup_verifications_total",
			Help: "Backup verification runs by result",
		},
		[]string{"result"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Notification delivery attempts by result",
		},
		[]string{"result"},
	)
)

// RecordRegionHealth sets the aggregated score gauge for a region.
func RecordRegionHealth(region string, score float64) {
	regionHealthScore.WithLabelValues(region).Set(score)
}

// RecordProbe records one probe sample.
func RecordProbe(region string, d time.Duration, ok bool) {
	probeDuration.WithLabelValues(region).Observe(d.Seconds())
	if !ok {
		probeFailures.WithLabelValues(region).Inc()
	}
}

// RecordReplicationLag sets the lag gauge for a standby.
func RecordReplicationLag(region string, lag time.Duration) {
	replicationLag.WithLabelValues(region).Set(lag.Seconds())
}

// RecordEngineState sets the engine state gauge.
func RecordEngineState(state int) {
	engineState.Set(float64(state))
}

// RecordTransition counts one state transition.
func RecordTransition(from, to string) {
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordFailover counts a terminal failover outcome and its duration.
func RecordFailover(outcome string, d time.Duration) {
	failoversTotal.WithLabelValues(outcome).Inc()
	failoverDuration.Observe(d.Seconds())
}

// RecordBackupVerification counts one verification run.
func RecordBackupVerification(ok bool) {
	result := "pass"
	if !ok {
		result = "fail"
	}
	backupVerifications.WithLabelValues(result).Inc()
}

// RecordNotification counts one delivery attempt outcome.
func RecordNotification(ok bool) {
	result := "delivered"
	if !ok {
		result = "failed"
	}
	notificationsTotal.WithLabelValues(result).Inc()
}
