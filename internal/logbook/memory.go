package logbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// MemoryLog keeps exercises and step totals in memory.
type MemoryLog struct {
	mu        sync.RWMutex
	exercises []domain.ExerciseRecord
	steps     map[string]int64
	now       func() time.Time
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{steps: make(map[string]int64), now: time.Now}
}

func (m *MemoryLog) AddExercise(_ context.Context, record domain.ExerciseRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Date.IsZero() {
		record.Date = m.now()
	}
	m.exercises = append(m.exercises, record)
	return record.ID, nil
}

func (m *MemoryLog) GetExercisesByDate(_ context.Context, day time.Time) ([]domain.ExerciseRecord, error) {
	start, end := dayBounds(day)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ExerciseRecord, 0)
	for _, rec := range m.exercises {
		if !rec.Date.Before(start) && rec.Date.Before(end) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryLog) UpdateTodaySteps(ctx context.Context, delta int64) error {
	return m.AddSteps(ctx, m.now(), delta)
}

func (m *MemoryLog) AddSteps(_ context.Context, day time.Time, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[domain.DateKey(day)] += delta
	return nil
}

func (m *MemoryLog) GetStepsForDate(_ context.Context, day time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.steps[domain.DateKey(day)], nil
}
