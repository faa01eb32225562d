package provider

import (
	"context"
	"fmt"
	"time"

	"example.com/healthsync/internal/domain"
)

// HealthKit type identifiers requested by the sync engine.
const (
	HKStepCount          = "HKQuantityTypeIdentifierStepCount"
	HKHeartRate          = "HKQuantityTypeIdentifierHeartRate"
	HKActiveEnergyBurned = "HKQuantityTypeIdentifierActiveEnergyBurned"
	HKDistanceWalkingRun = "HKQuantityTypeIdentifierDistanceWalkingRunning"
	HKSleepAnalysis      = "HKCategoryTypeIdentifierSleepAnalysis"
	HKWorkoutType        = "HKWorkoutTypeIdentifier"
)

// HealthKit sleep analysis category values counted as asleep.
var hkAsleepValues = map[int]bool{1: true, 3: true, 4: true, 5: true}

var healthKitTypes = map[domain.MetricKind]string{
	domain.KindSteps:          HKStepCount,
	domain.KindHeartRate:      HKHeartRate,
	domain.KindActiveCalories: HKActiveEnergyBurned,
	domain.KindDistance:       HKDistanceWalkingRun,
	domain.KindSleep:          HKSleepAnalysis,
	domain.KindWorkout:        HKWorkoutType,
}

// HKSample is a quantity or category sample returned by the bridge.
type HKSample struct {
	TypeID     string
	Value      float64
	Unit       string
	Start      time.Time
	End        time.Time
	SourceName string
}

// HKWorkout is a workout returned by the bridge. ActivityType is the
// free-text activity constant, for example HKWorkoutActivityTypeRunning.
type HKWorkout struct {
	ActivityType      string
	Start             time.Time
	End               time.Time
	DurationSeconds   float64
	TotalEnergyBurned float64
	TotalDistance     *float64
	SourceName        string
}

// HealthKitBridge is the callback-shaped native surface. Callbacks may run on
// any goroutine.
type HealthKitBridge interface {
	IsHealthDataAvailable() bool
	RequestAuthorization(readTypes []string, done func(granted []string, err error))
	QueryQuantitySamples(typeID string, start, end time.Time, done func([]HKSample, error))
	QueryCategorySamples(typeID string, start, end time.Time, done func([]HKSample, error))
	QueryWorkouts(start, end time.Time, done func([]HKWorkout, error))
}

// HealthKit is the Apple platform variant.
type HealthKit struct {
	base
	bridge HealthKitBridge
}

var _ Provider = (*HealthKit)(nil)

// NewHealthKit wraps bridge.
func NewHealthKit(bridge HealthKitBridge, opts ...Option) *HealthKit {
	return &HealthKit{base: newBase(domain.BackendHealthKit, opts), bridge: bridge}
}

func (h *HealthKit) Backend() domain.Backend { return domain.BackendHealthKit }

func (h *HealthKit) SupportedKinds() []domain.MetricKind {
	return append([]domain.MetricKind(nil), domain.AllKinds...)
}

func (h *HealthKit) Initialize(_ context.Context) bool {
	return h.initOnce(func() bool {
		if !h.bridge.IsHealthDataAvailable() {
			h.logger.Printf("healthkit: %v", domain.ErrBackendUnavailable)
			return false
		}
		return true
	})
}

func (h *HealthKit) RequestPermission(ctx context.Context, kinds []domain.MetricKind) []domain.MetricKind {
	ids := make([]string, 0, len(kinds))
	byID := make(map[string]domain.MetricKind, len(kinds))
	for _, kind := range kinds {
		if id, ok := healthKitTypes[kind]; ok {
			ids = append(ids, id)
			byID[id] = kind
		}
	}
	granted, err := await(ctx, func(done func([]string, error)) {
		h.bridge.RequestAuthorization(ids, done)
	})
	if err != nil {
		h.logger.Printf("healthkit authorization failed: %v", err)
		return nil
	}
	out := make([]domain.MetricKind, 0, len(granted))
	for _, id := range granted {
		if kind, ok := byID[id]; ok {
			out = append(out, kind)
		}
	}
	return out
}

func (h *HealthKit) readQuantity(ctx context.Context, kind domain.MetricKind, unit string, r domain.TimeRange) []domain.HealthDataPoint {
	typeID := healthKitTypes[kind]
	samples, err := await(ctx, func(done func([]HKSample, error)) {
		h.bridge.QueryQuantitySamples(typeID, r.Start, r.End, done)
	})
	if err != nil {
		h.softFail(kind, fmt.Errorf("%w: %v", domain.ErrProviderRead, err))
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(samples))
	for _, s := range samples {
		u := s.Unit
		if u == "" {
			u = unit
		}
		points = append(points, domain.HealthDataPoint{
			Kind:   kind,
			Value:  s.Value,
			Unit:   u,
			Start:  s.Start,
			End:    s.End,
			Source: s.SourceName,
		})
	}
	return points
}

func (h *HealthKit) ReadSteps(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	return h.readQuantity(ctx, domain.KindSteps, "count", r)
}

func (h *HealthKit) ReadHeartRate(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	return h.readQuantity(ctx, domain.KindHeartRate, "bpm", r)
}

func (h *HealthKit) ReadActiveCalories(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	return h.readQuantity(ctx, domain.KindActiveCalories, "kcal", r)
}

// ReadSleep reports asleep minutes per category sample; in-bed and awake samples are skipped.
func (h *HealthKit) ReadSleep(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	samples, err := await(ctx, func(done func([]HKSample, error)) {
		h.bridge.QueryCategorySamples(HKSleepAnalysis, r.Start, r.End, done)
	})
	if err != nil {
		h.softFail(domain.KindSleep, fmt.Errorf("%w: %v", domain.ErrProviderRead, err))
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(samples))
	for _, s := range samples {
		if !hkAsleepValues[int(s.Value)] {
			continue
		}
		points = append(points, domain.HealthDataPoint{
			Kind:   domain.KindSleep,
			Value:  s.End.Sub(s.Start).Minutes(),
			Unit:   "min",
			Start:  s.Start,
			End:    s.End,
			Source: s.SourceName,
		})
	}
	return points
}

func (h *HealthKit) ReadWorkouts(ctx context.Context, r domain.TimeRange) []domain.WorkoutSession {
	workouts, err := await(ctx, func(done func([]HKWorkout, error)) {
		h.bridge.QueryWorkouts(r.Start, r.End, done)
	})
	if err != nil {
		h.softFail(domain.KindWorkout, fmt.Errorf("%w: %v", domain.ErrProviderRead, err))
		return []domain.WorkoutSession{}
	}
	sessions := make([]domain.WorkoutSession, 0, len(workouts))
	for _, w := range workouts {
		minutes := w.DurationSeconds / 60
		if minutes <= 0 {
			minutes = w.End.Sub(w.Start).Minutes()
		}
		sessions = append(sessions, domain.WorkoutSession{
			Type:            h.NormalizeWorkoutType(w.ActivityType),
			RawType:         w.ActivityType,
			Start:           w.Start,
			End:             w.End,
			DurationMinutes: minutes,
			Calories:        w.TotalEnergyBurned,
			Distance:        w.TotalDistance,
			Source:          w.SourceName,
		})
	}
	return sessions
}

func (h *HealthKit) NormalizeWorkoutType(raw string) string {
	return normalizeHealthKit(raw)
}
