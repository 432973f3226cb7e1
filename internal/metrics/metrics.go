// Package metrics holds the Prometheus collectors shared by both services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Submission metrics
	RunsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testrun_runs_submitted_total",
			Help: "Total number of test runs submitted",
		},
		[]string{"result"},
	)

	// Worker metrics
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testrun_runs_finished_total",
			Help: "Total number of test runs that reached a terminal status",
		},
		[]string{"status", "worker_id"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testrun_run_duration_seconds",
			Help:    "Time from lease to terminal write",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		},
		[]string{"status"},
	)

	LeaseRenewFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testrun_lease_renew_failures_total",
			Help: "Total number of failed lease renewals",
		},
		[]string{"reason"},
	)

	SlotsBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testrun_worker_slots_busy",
			Help: "Number of worker slots currently holding a lease",
		},
		[]string{"worker_id"},
	)

	// Recovery metrics
	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testrun_recovery_outcomes_total",
			Help: "Records touched by the recovery coordinator by outcome",
		},
		[]string{"outcome"},
	)

	QueueCleaned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testrun_queue_entries_cleaned_total",
			Help: "Finished queue entries removed by retention cleanup",
		},
		[]string{"state"},
	)

	// Notifier metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testrun_notifier_active_subscriptions",
			Help: "Number of open status subscriptions",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSubmission records a submit attempt
func RecordSubmission(success bool) {
	RunsSubmitted.WithLabelValues(resultLabel(success)).Inc()
}

// RecordRunFinished records a terminal write and how long the run held its lease
func RecordRunFinished(status, workerID string, seconds float64) {
	RunsFinished.WithLabelValues(status, workerID).Inc()
	RunDuration.WithLabelValues(status).Observe(seconds)
}

// RecordRenewFailure records a lease renewal that did not succeed
func RecordRenewFailure(reason string) {
	LeaseRenewFailures.WithLabelValues(reason).Inc()
}

// RecordRecovery adds n records to a recovery outcome
func RecordRecovery(outcome string, n int) {
	if n > 0 {
		RecoveryOutcomes.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordCleanup adds n removed entries for a queue state
func RecordCleanup(state string, n int) {
	if n > 0 {
		QueueCleaned.WithLabelValues(state).Add(float64(n))
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
