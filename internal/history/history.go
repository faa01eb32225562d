// Package history keeps the long-term daily metric and workout history built
// from the health sync event stream.
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DailyMetric is the latest reconciled value of one metric for one day.
type DailyMetric struct {
	Date          time.Time
	MetricType    string
	Value         float64
	Unit          string
	PrimarySource string
	SampleCount   int
	RecordedAt    time.Time
}

// Workout is an imported workout as seen by the history store.
type Workout struct {
	ExerciseID  string
	WorkoutType string
	StartedAt   time.Time
	DurationMin int
	Calories    int
	Source      string
	RecordedAt  time.Time
}

// Store persists history rows. Writes for an existing (day, metric) or
// exercise id replace the older row.
type Store interface {
	RecordDailyMetrics(ctx context.Context, metrics []DailyMetric) error
	RecordWorkout(ctx context.Context, workout Workout) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	metrics  map[string]DailyMetric
	workouts map[string]Workout
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metrics:  make(map[string]DailyMetric),
		workouts: make(map[string]Workout),
	}
}

func (m *MemoryStore) RecordDailyMetrics(_ context.Context, metrics []DailyMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range metrics {
		key := metric.Date.Format("2006-01-02") + "|" + metric.MetricType
		if existing, ok := m.metrics[key]; ok && existing.RecordedAt.After(metric.RecordedAt) {
			continue
		}
		m.metrics[key] = metric
	}
	return nil
}

func (m *MemoryStore) RecordWorkout(_ context.Context, workout Workout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workouts[workout.ExerciseID] = workout
	return nil
}

// DailyMetrics returns every stored metric ordered by day then metric type.
func (m *MemoryStore) DailyMetrics() []DailyMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DailyMetric, 0, len(m.metrics))
	for _, metric := range m.metrics {
		out = append(out, metric)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].MetricType < out[j].MetricType
	})
	return out
}

// Workouts returns every stored workout ordered by start time.
func (m *MemoryStore) Workouts() []Workout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Workout, 0, len(m.workouts))
	for _, w := range m.workouts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
