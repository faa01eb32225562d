package logbook

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/kv"
)

//go:embed schema.sql
var sqliteSchema string

const sqliteSchemaVersion = 1

// SQLiteLog stores the logs in the device-local SQLite database.
type SQLiteLog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := kv.OpenSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, now: time.Now}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("apply logbook schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < sqliteSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func (s *SQLiteLog) AddExercise(ctx context.Context, record domain.ExerciseRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Date.IsZero() {
		record.Date = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exercises (id, exercise_name, calories_burned, duration, date, notes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.ExerciseName, record.CaloriesBurned, record.DurationMinutes, record.Date.UTC().UnixMilli(), record.Notes)
	if err != nil {
		return "", fmt.Errorf("%w: insert exercise: %v", domain.ErrPersistence, err)
	}
	return record.ID, nil
}

func (s *SQLiteLog) GetExercisesByDate(ctx context.Context, day time.Time) ([]domain.ExerciseRecord, error) {
	start, end := dayBounds(day)
	rows, err := s.db.QueryContext(ctx, `SELECT id, exercise_name, calories_burned, duration, date, notes
		FROM exercises WHERE date >= ? AND date < ? ORDER BY date`, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: query exercises: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]domain.ExerciseRecord, 0)
	for rows.Next() {
		var (
			rec domain.ExerciseRecord
			ms  int64
		)
		if err := rows.Scan(&rec.ID, &rec.ExerciseName, &rec.CaloriesBurned, &rec.DurationMinutes, &ms, &rec.Notes); err != nil {
			return nil, fmt.Errorf("%w: scan exercise: %v", domain.ErrPersistence, err)
		}
		rec.Date = time.UnixMilli(ms).In(day.Location())
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteLog) UpdateTodaySteps(ctx context.Context, delta int64) error {
	return s.AddSteps(ctx, s.now(), delta)
}

func (s *SQLiteLog) AddSteps(ctx context.Context, day time.Time, delta int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO daily_steps (day, steps, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(day) DO UPDATE SET steps = steps + excluded.steps, updated_at = excluded.updated_at`,
		domain.DateKey(day), delta)
	if err != nil {
		return fmt.Errorf("%w: update steps: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteLog) GetStepsForDate(ctx context.Context, day time.Time) (int64, error) {
	var steps int64
	err := s.db.QueryRowContext(ctx, `SELECT steps FROM daily_steps WHERE day = ?`, domain.DateKey(day)).Scan(&steps)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query steps: %v", domain.ErrPersistence, err)
	}
	return steps, nil
}
