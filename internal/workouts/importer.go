// Package workouts merges platform workout sessions into the exercise log exactly once.
package workouts

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/ledger"
	"example.com/healthsync/internal/logbook"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/provider"
)

// MatchWindow is how far an existing log entry may sit from a session start and still count as the same workout.
const MatchWindow = 5 * time.Minute

// Normalizer maps platform workout codes to normalized names.
type Normalizer interface {
	NormalizeWorkoutType(raw string) string
}

// ImportHook observes every inserted workout.
type ImportHook func(ctx context.Context, record domain.ExerciseRecord, session domain.WorkoutSession)

// Option configures an Importer.
type Option func(*Importer)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(i *Importer) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithImportHook registers fn to run after each successful insert.
func WithImportHook(fn ImportHook) Option {
	return func(i *Importer) { i.hooks = append(i.hooks, fn) }
}

// Importer converts WorkoutSessions into exercise log entries.
type Importer struct {
	exercises  logbook.ExerciseLog
	ledger     *ledger.Ledger
	normalizer Normalizer
	logger     *log.Logger
	hooks      []ImportHook
}

// NewImporter wires an Importer. normalizer may be nil when sessions already carry normalized types.
func NewImporter(exercises logbook.ExerciseLog, l *ledger.Ledger, normalizer Normalizer, opts ...Option) *Importer {
	i := &Importer{
		exercises:  exercises,
		ledger:     l,
		normalizer: normalizer,
		logger:     log.New(log.Writer(), "[workouts] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import inserts every session not yet in the ledger and returns the number of
// new exercise log entries. The ledger is written once at the end of the run;
// sessions whose insert failed are left out of it so the next run retries them.
func (i *Importer) Import(ctx context.Context, sessions []domain.WorkoutSession) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}
	seen, err := i.ledger.Load(ctx)
	if err != nil {
		return 0, err
	}

	byDay := make(map[string][]domain.ExerciseRecord)
	var (
		inserted int
		ledgered []string
	)
	for _, session := range sessions {
		workoutType := i.normalize(session)
		id := ledger.WorkoutID(session.Source, session.Start, workoutType)
		if _, ok := seen[id]; ok {
			observability.RecordWorkoutSkipped("ledgered")
			continue
		}

		day := domain.DateKey(session.Start)
		existing, ok := byDay[day]
		if !ok {
			existing, err = i.exercises.GetExercisesByDate(ctx, session.Start)
			if err != nil {
				i.logger.Printf("load exercises for %s: %v", day, err)
				observability.RecordWorkoutSkipped("lookup_failed")
				continue
			}
			byDay[day] = existing
		}

		if alreadyLogged(existing, workoutType, session.Start) {
			seen[id] = struct{}{}
			ledgered = append(ledgered, id)
			observability.RecordWorkoutSkipped("already_logged")
			continue
		}

		record := toRecord(session, workoutType)
		recordID, err := i.exercises.AddExercise(ctx, record)
		if err != nil {
			i.logger.Printf("insert workout %s: %v", id, err)
			observability.RecordWorkoutSkipped("insert_failed")
			continue
		}
		record.ID = recordID
		byDay[day] = append(byDay[day], record)
		seen[id] = struct{}{}
		ledgered = append(ledgered, id)
		inserted++
		observability.RecordWorkoutImported()

		for _, hook := range i.hooks {
			hook(ctx, record, session)
		}
	}

	if err := i.ledger.Append(ctx, ledgered...); err != nil {
		return inserted, fmt.Errorf("persist ledger after %d inserts: %w", inserted, err)
	}
	return inserted, nil
}

func (i *Importer) normalize(session domain.WorkoutSession) string {
	workoutType := session.Type
	if session.RawType != "" && i.normalizer != nil {
		workoutType = i.normalizer.NormalizeWorkoutType(session.RawType)
	}
	if strings.TrimSpace(workoutType) == "" {
		return provider.OtherWorkout
	}
	return workoutType
}

// alreadyLogged reports whether a log entry near start has a name containing workoutType.
func alreadyLogged(existing []domain.ExerciseRecord, workoutType string, start time.Time) bool {
	caser := cases.Fold()
	needle := caser.String(workoutType)
	for _, rec := range existing {
		gap := rec.Date.Sub(start)
		if gap < -MatchWindow || gap > MatchWindow {
			continue
		}
		if strings.Contains(caser.String(rec.ExerciseName), needle) {
			return true
		}
	}
	return false
}

func toRecord(session domain.WorkoutSession, workoutType string) domain.ExerciseRecord {
	calories := int(math.Round(session.Calories))
	if calories <= 0 {
		calories = provider.EstimateCalories(workoutType, session.DurationMinutes)
	}
	notes := "Imported from health data"
	if session.Source != "" {
		notes = "Imported from " + session.Source
	}
	return domain.ExerciseRecord{
		ExerciseName:    workoutType,
		CaloriesBurned:  calories,
		DurationMinutes: int(math.Round(session.DurationMinutes)),
		Date:            session.Start,
		Notes:           notes,
	}
}
