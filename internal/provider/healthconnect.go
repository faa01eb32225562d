package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"example.com/healthsync/internal/domain"
)

// SDKStatus mirrors HealthConnectClient.getSdkStatus.
type SDKStatus int

const (
	SDKUnavailable                       SDKStatus = 1
	SDKUnavailableProviderUpdateRequired SDKStatus = 2
	SDKAvailable                         SDKStatus = 3
)

// Health Connect record types.
const (
	RecordSteps                = "Steps"
	RecordHeartRate            = "HeartRate"
	RecordActiveCaloriesBurned = "ActiveCaloriesBurned"
	RecordDistance             = "Distance"
	RecordSleepSession         = "SleepSession"
	RecordExerciseSession      = "ExerciseSession"
)

var healthConnectRecords = map[domain.MetricKind]string{
	domain.KindSteps:          RecordSteps,
	domain.KindHeartRate:      RecordHeartRate,
	domain.KindActiveCalories: RecordActiveCaloriesBurned,
	domain.KindDistance:       RecordDistance,
	domain.KindSleep:          RecordSleepSession,
	domain.KindWorkout:        RecordExerciseSession,
}

var healthConnectPermissions = map[domain.MetricKind]string{
	domain.KindSteps:          "android.permission.health.READ_STEPS",
	domain.KindHeartRate:      "android.permission.health.READ_HEART_RATE",
	domain.KindActiveCalories: "android.permission.health.READ_ACTIVE_CALORIES_BURNED",
	domain.KindDistance:       "android.permission.health.READ_DISTANCE",
	domain.KindSleep:          "android.permission.health.READ_SLEEP",
	domain.KindWorkout:        "android.permission.health.READ_EXERCISE",
}

// PermissionFor returns the Health Connect read permission for kind.
func PermissionFor(kind domain.MetricKind) string {
	return healthConnectPermissions[kind]
}

// Sleep stage codes counted as asleep.
var hcAsleepStages = map[int]bool{2: true, 4: true, 5: true, 6: true}

// HCHeartRateSample is one beat sample inside a HeartRate record.
type HCHeartRateSample struct {
	Time           time.Time `json:"time"`
	BeatsPerMinute float64   `json:"beatsPerMinute"`
}

// HCSleepStage is one stage of a SleepSession record.
type HCSleepStage struct {
	Stage int       `json:"stage"`
	Start time.Time `json:"startTime"`
	End   time.Time `json:"endTime"`
}

// HCRecord is the union of the record shapes the engine reads.
type HCRecord struct {
	StartTime      time.Time           `json:"startTime"`
	EndTime        time.Time           `json:"endTime"`
	Count          float64             `json:"count,omitempty"`
	EnergyKcal     float64             `json:"energyKcal,omitempty"`
	DistanceMeters *float64            `json:"distanceMeters,omitempty"`
	Samples        []HCHeartRateSample `json:"samples,omitempty"`
	Stages         []HCSleepStage      `json:"stages,omitempty"`
	ExerciseType   int                 `json:"exerciseType,omitempty"`
	Title          string              `json:"title,omitempty"`
	DataOrigin     string              `json:"dataOrigin"`
	DeviceModel    string              `json:"deviceModel,omitempty"`
}

// Source prefers the device model and falls back to the writing app package.
func (r HCRecord) Source() string {
	if r.DeviceModel != "" {
		return r.DeviceModel
	}
	return r.DataOrigin
}

// HealthConnectClient is the request-shaped native surface.
type HealthConnectClient interface {
	SDKStatus(ctx context.Context) (SDKStatus, error)
	RequestPermissions(ctx context.Context, permissions []string) ([]string, error)
	ReadRecords(ctx context.Context, recordType string, r domain.TimeRange) ([]HCRecord, error)
}

// HealthConnect is the Android platform variant.
type HealthConnect struct {
	base
	client HealthConnectClient
}

var _ Provider = (*HealthConnect)(nil)

// NewHealthConnect wraps client.
func NewHealthConnect(client HealthConnectClient, opts ...Option) *HealthConnect {
	return &HealthConnect{base: newBase(domain.BackendHealthConnect, opts), client: client}
}

func (h *HealthConnect) Backend() domain.Backend { return domain.BackendHealthConnect }

func (h *HealthConnect) SupportedKinds() []domain.MetricKind {
	return append([]domain.MetricKind(nil), domain.AllKinds...)
}

func (h *HealthConnect) Initialize(ctx context.Context) bool {
	return h.initOnce(func() bool {
		status, err := h.client.SDKStatus(ctx)
		if err != nil {
			h.logger.Printf("health connect status: %v", err)
			return false
		}
		if status != SDKAvailable {
			h.logger.Printf("health connect: %v (sdk status %d)", domain.ErrBackendUnavailable, status)
			return false
		}
		return true
	})
}

func (h *HealthConnect) RequestPermission(ctx context.Context, kinds []domain.MetricKind) []domain.MetricKind {
	perms := make([]string, 0, len(kinds))
	byPerm := make(map[string]domain.MetricKind, len(kinds))
	for _, kind := range kinds {
		if perm, ok := healthConnectPermissions[kind]; ok {
			perms = append(perms, perm)
			byPerm[perm] = kind
		}
	}
	granted, err := h.client.RequestPermissions(ctx, perms)
	if err != nil {
		h.logger.Printf("health connect permission request failed: %v", err)
		return nil
	}
	out := make([]domain.MetricKind, 0, len(granted))
	for _, perm := range granted {
		if kind, ok := byPerm[perm]; ok {
			out = append(out, kind)
		}
	}
	return out
}

func (h *HealthConnect) read(ctx context.Context, kind domain.MetricKind, r domain.TimeRange) ([]HCRecord, bool) {
	records, err := h.client.ReadRecords(ctx, healthConnectRecords[kind], r)
	if err != nil {
		h.softFail(kind, fmt.Errorf("%w: %v", domain.ErrProviderRead, err))
		return nil, false
	}
	return records, true
}

func (h *HealthConnect) ReadSteps(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	records, ok := h.read(ctx, domain.KindSteps, r)
	if !ok {
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, domain.HealthDataPoint{
			Kind: domain.KindSteps, Value: rec.Count, Unit: "count",
			Start: rec.StartTime, End: rec.EndTime, Source: rec.Source(),
		})
	}
	return points
}

// ReadHeartRate flattens each record's beat samples into instant data points.
func (h *HealthConnect) ReadHeartRate(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	records, ok := h.read(ctx, domain.KindHeartRate, r)
	if !ok {
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(records))
	for _, rec := range records {
		for _, s := range rec.Samples {
			points = append(points, domain.HealthDataPoint{
				Kind: domain.KindHeartRate, Value: s.BeatsPerMinute, Unit: "bpm",
				Start: s.Time, End: s.Time, Source: rec.Source(),
			})
		}
	}
	return points
}

func (h *HealthConnect) ReadActiveCalories(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	records, ok := h.read(ctx, domain.KindActiveCalories, r)
	if !ok {
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, domain.HealthDataPoint{
			Kind: domain.KindActiveCalories, Value: rec.EnergyKcal, Unit: "kcal",
			Start: rec.StartTime, End: rec.EndTime, Source: rec.Source(),
		})
	}
	return points
}

// ReadSleep reports asleep minutes per session. Sessions without stages count in full.
func (h *HealthConnect) ReadSleep(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint {
	records, ok := h.read(ctx, domain.KindSleep, r)
	if !ok {
		return []domain.HealthDataPoint{}
	}
	points := make([]domain.HealthDataPoint, 0, len(records))
	for _, rec := range records {
		minutes := rec.EndTime.Sub(rec.StartTime).Minutes()
		if len(rec.Stages) > 0 {
			minutes = 0
			for _, stage := range rec.Stages {
				if hcAsleepStages[stage.Stage] {
					minutes += stage.End.Sub(stage.Start).Minutes()
				}
			}
		}
		points = append(points, domain.HealthDataPoint{
			Kind: domain.KindSleep, Value: minutes, Unit: "min",
			Start: rec.StartTime, End: rec.EndTime, Source: rec.Source(),
		})
	}
	return points
}

func (h *HealthConnect) ReadWorkouts(ctx context.Context, r domain.TimeRange) []domain.WorkoutSession {
	records, ok := h.read(ctx, domain.KindWorkout, r)
	if !ok {
		return []domain.WorkoutSession{}
	}
	sessions := make([]domain.WorkoutSession, 0, len(records))
	for _, rec := range records {
		raw := strconv.Itoa(rec.ExerciseType)
		sessions = append(sessions, domain.WorkoutSession{
			Type:            h.NormalizeWorkoutType(raw),
			RawType:         raw,
			Start:           rec.StartTime,
			End:             rec.EndTime,
			DurationMinutes: rec.EndTime.Sub(rec.StartTime).Minutes(),
			Calories:        rec.EnergyKcal,
			Distance:        rec.DistanceMeters,
			Source:          rec.Source(),
		})
	}
	return sessions
}

func (h *HealthConnect) NormalizeWorkoutType(raw string) string {
	return normalizeHealthConnect(raw)
}
