package autoexport

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

const sampleExport = `{
  "data": {
    "metrics": [
      {"name": "step_count", "units": "count", "data": [
        {"date": "2025-02-10 08:00:00 +0000", "qty": 120, "source": "Apple Watch"},
        {"date": "2025-02-10 08:00:00 +0000", "qty": 100, "source": "iPhone"},
        {"date": "2025-02-09 23:00:00 +0000", "qty": 999, "source": "iPhone"}
      ]},
      {"name": "heart_rate", "units": "count/min", "data": [
        {"date": "2025-02-10 08:01:00 +0000", "Min": 60, "Avg": 72, "Max": 90, "source": "Apple Watch"}
      ]},
      {"name": "active_energy", "units": "kJ", "data": [
        {"date": "2025-02-10 08:00:00 +0000", "qty": 41.84, "source": "Apple Watch"}
      ]},
      {"name": "sleep_analysis", "units": "hr", "data": [
        {"date": "2025-02-10 00:00:00 +0000", "asleep": 6.5, "inBed": 7, "sleepStart": "2025-02-10 00:30:00 +0000", "sleepEnd": "2025-02-10 07:00:00 +0000", "source": "Apple Watch"}
      ]},
      {"name": "vo2_max", "units": "ml/(kg·min)", "data": [{"date": "2025-02-10 08:00:00 +0000", "qty": 44}]}
    ],
    "workouts": [
      {"name": "Outdoor Run", "start": "2025-02-10 07:00:00 +0000", "end": "2025-02-10 07:30:00 +0000", "duration": 1800,
       "activeEnergy": {"qty": 0, "units": "kcal"}, "distance": {"qty": 5, "units": "km"}, "source": "Apple Watch"}
    ]
  }
}`

var window = domain.TimeRange{
	Start: time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2025, time.February, 11, 0, 0, 0, 0, time.UTC),
}

func newTestProvider(t *testing.T) (*provider.HealthKit, *Bridge, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "export.json"), []byte(sampleExport), 0o600))
	bridge := New(dir, WithLogger(log.New(io.Discard, "", 0)))
	hk := provider.NewHealthKit(bridge, provider.WithLogger(log.New(io.Discard, "", 0)))
	return hk, bridge, dir
}

func TestBridgeServesHealthKitProvider(t *testing.T) {
	hk, _, _ := newTestProvider(t)
	ctx := context.Background()

	require.True(t, hk.Initialize(ctx))
	require.ElementsMatch(t, domain.AllKinds, hk.RequestPermission(ctx, domain.AllKinds))

	steps := hk.ReadSteps(ctx, window)
	require.Len(t, steps, 2)
	require.Equal(t, time.Minute, steps[0].End.Sub(steps[0].Start))

	hr := hk.ReadHeartRate(ctx, window)
	require.Len(t, hr, 1)
	require.Equal(t, 72.0, hr[0].Value)

	kcal := hk.ReadActiveCalories(ctx, window)
	require.Len(t, kcal, 1)
	require.InDelta(t, 10.0, kcal[0].Value, 1e-9)

	sleep := hk.ReadSleep(ctx, window)
	require.Len(t, sleep, 1)
	require.Equal(t, 390.0, sleep[0].Value)

	workouts := hk.ReadWorkouts(ctx, window)
	require.Len(t, workouts, 1)
	require.Equal(t, "Running", workouts[0].Type)
	require.Equal(t, 30.0, workouts[0].DurationMinutes)
	require.NotNil(t, workouts[0].Distance)
	require.Equal(t, 5000.0, *workouts[0].Distance)
}

func TestBridgeCachesUntilInvalidated(t *testing.T) {
	hk, bridge, dir := newTestProvider(t)
	ctx := context.Background()
	require.Len(t, hk.ReadSteps(ctx, window), 2)

	extra := `{"data":{"metrics":[{"name":"step_count","units":"count","data":[{"date":"2025-02-10 09:00:00 +0000","qty":5,"source":"iPhone"}]}]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.json"), []byte(extra), 0o600))
	require.Len(t, hk.ReadSteps(ctx, window), 2)

	bridge.Invalidate()
	require.Len(t, hk.ReadSteps(ctx, window), 3)
}

func TestWatchInvalidatesOnNewFile(t *testing.T) {
	hk, bridge, dir := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Len(t, hk.ReadSteps(ctx, window), 2)

	watchErr := make(chan error, 1)
	go func() { watchErr <- bridge.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	extra := `{"data":{"metrics":[{"name":"step_count","units":"count","data":[{"date":"2025-02-10 09:00:00 +0000","qty":5,"source":"iPhone"}]}]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.json"), []byte(extra), 0o600))

	require.Eventually(t, func() bool {
		return len(hk.ReadSteps(ctx, window)) == 3
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-watchErr, context.Canceled)
}

func TestMissingDirectoryIsUnavailable(t *testing.T) {
	bridge := New(filepath.Join(t.TempDir(), "missing"))
	hk := provider.NewHealthKit(bridge, provider.WithLogger(log.New(io.Discard, "", 0)))
	require.False(t, hk.Initialize(context.Background()))
	require.Empty(t, hk.RequestPermission(context.Background(), domain.AllKinds))
}
