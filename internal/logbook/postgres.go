package logbook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
)

// PostgresLog stores the logs in Postgres.
type PostgresLog struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLog wraps pool. The schema comes from db/postgres/migrations.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool, now: time.Now}
}

func (p *PostgresLog) AddExercise(ctx context.Context, record domain.ExerciseRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Date.IsZero() {
		record.Date = p.now()
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: acquire connection: %v", domain.ErrPersistence, err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", domain.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO exercises (id, exercise_name, calories_burned, duration, date, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.ExerciseName, record.CaloriesBurned, record.DurationMinutes, record.Date, record.Notes)
	if err != nil {
		return "", fmt.Errorf("%w: insert exercise: %v", domain.ErrPersistence, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: commit: %v", domain.ErrPersistence, err)
	}
	return record.ID, nil
}

func (p *PostgresLog) GetExercisesByDate(ctx context.Context, day time.Time) ([]domain.ExerciseRecord, error) {
	start, end := dayBounds(day)
	rows, err := p.pool.Query(ctx, `SELECT id::text, exercise_name, calories_burned, duration, date, notes
		FROM exercises WHERE date >= $1 AND date < $2 ORDER BY date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: query exercises: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	out := make([]domain.ExerciseRecord, 0)
	for rows.Next() {
		var rec domain.ExerciseRecord
		if err := rows.Scan(&rec.ID, &rec.ExerciseName, &rec.CaloriesBurned, &rec.DurationMinutes, &rec.Date, &rec.Notes); err != nil {
			return nil, fmt.Errorf("%w: scan exercise: %v", domain.ErrPersistence, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresLog) UpdateTodaySteps(ctx context.Context, delta int64) error {
	return p.AddSteps(ctx, p.now(), delta)
}

// AddSteps credits delta to the calendar day containing day.
func (p *PostgresLog) AddSteps(ctx context.Context, day time.Time, delta int64) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO daily_steps (day, steps, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (day) DO UPDATE SET steps = daily_steps.steps + EXCLUDED.steps, updated_at = EXCLUDED.updated_at`,
		domain.StartOfDay(day), delta)
	if err != nil {
		return fmt.Errorf("%w: update steps: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (p *PostgresLog) GetStepsForDate(ctx context.Context, day time.Time) (int64, error) {
	var steps int64
	err := p.pool.QueryRow(ctx, `SELECT steps FROM daily_steps WHERE day = $1`, domain.StartOfDay(day)).Scan(&steps)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: query steps: %v", domain.ErrPersistence, err)
	}
	return steps, nil
}
