// Package events defines the health sync event payloads published to Kafka.
package events

import (
	"time"

	"example.com/healthsync/internal/domain"
)

// DefaultTopic carries every health sync event.
const DefaultTopic = "health_sync_events"

// Event types, carried in the event_type header.
const (
	TypeSyncCompleted   = "health.sync.completed"
	TypeWorkoutImported = "health.workout.imported"
)

// HeaderEventType names the Kafka header holding the event type.
const HeaderEventType = "event_type"

// MetricValue is one aggregated metric of a sync.
type MetricValue struct {
	MetricType    string  `json:"metric_type"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit"`
	PrimarySource string  `json:"primary_source,omitempty"`
	SampleCount   int     `json:"sample_count"`
}

// SyncCompleted is emitted after every orchestrated sync.
type SyncCompleted struct {
	EventID    string        `json:"event_id"`
	Date       string        `json:"date"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Metrics    []MetricValue `json:"metrics"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// WorkoutImported is emitted when a workout lands in the exercise log.
type WorkoutImported struct {
	EventID     string    `json:"event_id"`
	ExerciseID  string    `json:"exercise_id"`
	WorkoutType string    `json:"workout_type"`
	StartedAt   time.Time `json:"started_at"`
	DurationMin int       `json:"duration_min"`
	Calories    int       `json:"calories"`
	Source      string    `json:"source"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// metricValues flattens result metrics in domain.AllKinds order.
func metricValues(metrics map[domain.MetricKind]domain.AggregatedMetric) []MetricValue {
	out := make([]MetricValue, 0, len(metrics))
	for _, kind := range domain.AllKinds {
		m, ok := metrics[kind]
		if !ok {
			continue
		}
		out = append(out, MetricValue{
			MetricType:    string(kind),
			Value:         m.Value,
			Unit:          m.Unit,
			PrimarySource: m.PrimarySource,
			SampleCount:   m.SampleCount,
		})
	}
	return out
}
