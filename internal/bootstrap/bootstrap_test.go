package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
)

const exportLayout = "2006-01-02 15:04:05 -0700"

func baseConfig() config.Config {
	return config.Config{
		KVDSN:              "memory://",
		LogDSN:             "memory://",
		ForegroundInterval: time.Minute,
		BackgroundBudget:   5 * time.Second,
		StepFlushInterval:  time.Second,
		LedgerRetention:    720 * time.Hour,
		KafkaTopic:         "health_sync_events",
	}
}

func writeTodayExport(t *testing.T, dir string) {
	t.Helper()
	now := time.Now()
	start := domain.StartOfDay(now)
	if now.Sub(start) < 10*time.Minute {
		t.Skip("too close to midnight for a same-day export")
	}
	at := start.Add(now.Sub(start) / 2).Truncate(time.Second)
	export := fmt.Sprintf(`{"data":{
  "metrics":[{"name":"step_count","units":"count","data":[
    {"date":%q,"qty":150,"source":"Apple Watch"},
    {"date":%q,"qty":100,"source":"iPhone"}]}],
  "workouts":[{"name":"Outdoor Run","start":%q,"end":%q,"duration":600,
    "activeEnergy":{"qty":90,"units":"kcal"},"source":"Apple Watch"}]}}`,
		at.Format(exportLayout), at.Format(exportLayout),
		at.Format(exportLayout), at.Add(time.Minute*4).Format(exportLayout))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "export.json"), []byte(export), 0o600))
}

func TestHealthKitAppSyncsExportDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTodayExport(t, dir)

	cfg := baseConfig()
	cfg.Platform = "ios"
	cfg.AutoExportDir = dir

	ctx := context.Background()
	app, err := New(ctx, cfg, WithoutScheduler())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close()) }()

	require.Equal(t, domain.BackendHealthKit, app.Backend)
	require.Nil(t, app.Steps)
	require.Nil(t, app.Scheduler)
	require.Nil(t, app.Publisher)

	status, err := app.Orchestrator.RequestPermissions(ctx)
	require.NoError(t, err)
	require.True(t, status.Connected)

	result := app.Orchestrator.PerformSync(ctx)
	require.True(t, result.Success, result.Error)
	require.Equal(t, "Apple Watch", result.Metrics[domain.KindSteps].PrimarySource)

	require.Equal(t, 1, app.Orchestrator.SyncWorkoutsToExerciseLog(ctx))
	require.Equal(t, 0, app.Orchestrator.SyncWorkoutsToExerciseLog(ctx))
}

func TestHealthConnectAppHasStepSession(t *testing.T) {
	cfg := baseConfig()
	cfg.Platform = "android"
	cfg.CompanionURL = "http://127.0.0.1:1"

	app, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, domain.BackendHealthConnect, app.Backend)
	require.NotNil(t, app.Steps)
	require.NotNil(t, app.Scheduler)
	require.NoError(t, app.Close())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Platform = "ios"
	_, err := New(context.Background(), cfg)
	require.ErrorContains(t, err, "AUTO_EXPORT_DIR")

	cfg = baseConfig()
	cfg.LogDSN = "redis://localhost"
	_, err = New(context.Background(), cfg)
	require.ErrorContains(t, err, "unsupported logbook dsn")
}

func TestSQLiteLogbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")
	logs, err := openLogbook(context.Background(), "sqlite://"+path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, logs.UpdateTodaySteps(ctx, 250))
	total, err := logs.GetStepsForDate(ctx, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 250, total)

	closer, ok := logs.(interface{ Close() error })
	require.True(t, ok)
	require.NoError(t, closer.Close())
}
