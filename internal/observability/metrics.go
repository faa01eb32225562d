// Package observability holds the Prometheus collectors of the sync engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "healthsync"

var (
	syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of sync runs by outcome.",
	}, []string{"outcome"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of completed sync runs.",
		Buckets:   prometheus.DefBuckets,
	})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync.",
	})

	providerReadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "read_failures_total",
		Help:      "Soft read failures reported by the platform provider.",
	}, []string{"backend", "kind"})

	workoutsImported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workouts",
		Name:      "imported_total",
		Help:      "Workouts inserted into the exercise log.",
	})

	workoutsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workouts",
		Name:      "skipped_total",
		Help:      "Discovered workouts that were not inserted, by reason.",
	}, []string{"reason"})

	stepsCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "steps",
		Name:      "credited_total",
		Help:      "Steps credited by the live step session.",
	})

	stepsDailyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "steps",
		Name:      "daily_total",
		Help:      "Current daily step total held by the step session.",
	})

	backgroundResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "background",
		Name:      "results_total",
		Help:      "Background task results reported to the scheduler.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		syncRuns,
		syncDuration,
		lastSyncGauge,
		providerReadFailures,
		workoutsImported,
		workoutsSkipped,
		stepsCredited,
		stepsDailyGauge,
		backgroundResults,
	)
}

// RecordSync counts a sync run and, on success, advances the watermark gauge.
func RecordSync(success bool, started, finished time.Time) {
	outcome := "failure"
	if success {
		outcome = "success"
		lastSyncGauge.Set(float64(finished.Unix()))
	}
	syncRuns.WithLabelValues(outcome).Inc()
	if !started.IsZero() && finished.After(started) {
		syncDuration.Observe(finished.Sub(started).Seconds())
	}
}

// RecordSyncSkipped counts a sync that short-circuited because nothing is connected.
func RecordSyncSkipped() {
	syncRuns.WithLabelValues("not_connected").Inc()
}

// RecordProviderReadFailure counts a soft provider failure.
func RecordProviderReadFailure(backend, kind string) {
	providerReadFailures.WithLabelValues(backend, kind).Inc()
}

// RecordWorkoutImported counts one inserted workout.
func RecordWorkoutImported() {
	workoutsImported.Inc()
}

// RecordWorkoutSkipped counts a workout skipped for reason.
func RecordWorkoutSkipped(reason string) {
	workoutsSkipped.WithLabelValues(reason).Inc()
}

// RecordStepsCredited counts credited steps and exposes the running total.
func RecordStepsCredited(delta, dailyTotal int64) {
	if delta > 0 {
		stepsCredited.Add(float64(delta))
	}
	stepsDailyGauge.Set(float64(dailyTotal))
}

// RecordBackgroundResult counts a background task outcome.
func RecordBackgroundResult(result string) {
	backgroundResults.WithLabelValues(result).Inc()
}
