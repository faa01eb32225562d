// Package logbook persists the exercise log and the daily step log.
package logbook

import (
	"context"
	"time"

	"example.com/healthsync/internal/domain"
)

// ExerciseLog stores exercise entries.
type ExerciseLog interface {
	AddExercise(ctx context.Context, record domain.ExerciseRecord) (string, error)
	GetExercisesByDate(ctx context.Context, day time.Time) ([]domain.ExerciseRecord, error)
}

// StepLog stores one step total per calendar day.
type StepLog interface {
	UpdateTodaySteps(ctx context.Context, delta int64) error
	AddSteps(ctx context.Context, day time.Time, delta int64) error
	GetStepsForDate(ctx context.Context, day time.Time) (int64, error)
}

// Log combines both collaborators.
type Log interface {
	ExerciseLog
	StepLog
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	start := domain.StartOfDay(day)
	return start, start.AddDate(0, 0, 1)
}
