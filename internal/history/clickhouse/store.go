// Package clickhouse stores health history in ClickHouse.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"example.com/healthsync/internal/history"
)

// Config describes the ClickHouse target.
type Config struct {
	DSN           string
	Database      string
	MetricsTable  string
	WorkoutsTable string
	CreateTables  bool
}

// Store implements history.Store. Both tables use ReplacingMergeTree keyed by
// day and metric or by exercise id, so replayed events collapse on merge.
type Store struct {
	db            *sql.DB
	database      string
	metricsTable  string
	workoutsTable string
}

var _ history.Store = (*Store)(nil)

// Open connects to ClickHouse and optionally creates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("clickhouse", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	store := &Store{
		db:            db,
		database:      valueOr(cfg.Database, "healthsync"),
		metricsTable:  valueOr(cfg.MetricsTable, "daily_metrics"),
		workoutsTable: valueOr(cfg.WorkoutsTable, "workouts"),
	}
	if cfg.CreateTables {
		if err := store.createTablesIfNotExist(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

func (s *Store) RecordDailyMetrics(ctx context.Context, metrics []history.DailyMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.%s
		(day, metric_type, value, unit, primary_source, sample_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.database, s.metricsTable))
	if err != nil {
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx,
			m.Date,
			m.MetricType,
			m.Value,
			m.Unit,
			m.PrimarySource,
			uint32(m.SampleCount),
			m.RecordedAt,
		); err != nil {
			return fmt.Errorf("insert metric %s: %w", m.MetricType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics batch: %w", err)
	}
	return nil
}

func (s *Store) RecordWorkout(ctx context.Context, w history.Workout) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workout batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.%s
		(exercise_id, workout_type, started_at, duration_min, calories, source, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.database, s.workoutsTable))
	if err != nil {
		return fmt.Errorf("prepare workout insert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx,
		w.ExerciseID,
		w.WorkoutType,
		w.StartedAt,
		uint32(w.DurationMin),
		uint32(w.Calories),
		w.Source,
		w.RecordedAt,
	); err != nil {
		return fmt.Errorf("insert workout %s: %w", w.ExerciseID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workout batch: %w", err)
	}
	return nil
}

// Optimize forces pending merges so duplicates disappear immediately.
func (s *Store) Optimize(ctx context.Context) error {
	for _, table := range []string{s.metricsTable, s.workoutsTable} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s.%s FINAL", s.database, table)); err != nil {
			return fmt.Errorf("optimize %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTablesIfNotExist(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, s.database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			day Date,
			metric_type LowCardinality(String),
			value Float64,
			unit String DEFAULT '',
			primary_source String DEFAULT '',
			sample_count UInt32 DEFAULT 0,
			recorded_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(recorded_at)
		ORDER BY (day, metric_type)
	`, s.database, s.metricsTable)); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			exercise_id String,
			workout_type LowCardinality(String),
			started_at DateTime64(3),
			duration_min UInt32,
			calories UInt32,
			source String DEFAULT '',
			recorded_at DateTime64(3)
		) ENGINE = ReplacingMergeTree(recorded_at)
		ORDER BY exercise_id
	`, s.database, s.workoutsTable)); err != nil {
		return fmt.Errorf("create workouts table: %w", err)
	}
	return nil
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
