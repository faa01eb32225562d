package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeSettingsKeepsDefaultsForMissingKeys(t *testing.T) {
	settings, err := MergeSettings([]byte(`{"syncSteps":false}`))
	require.NoError(t, err)

	want := DefaultSyncSettings()
	want.SyncSteps = false
	require.Equal(t, want, settings)
}

func TestMergeSettingsEmptyBlob(t *testing.T) {
	settings, err := MergeSettings(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSyncSettings(), settings)
}

func TestMergeSettingsRejectsGarbage(t *testing.T) {
	settings, err := MergeSettings([]byte(`{not json`))
	require.ErrorIs(t, err, ErrConversion)
	require.Equal(t, DefaultSyncSettings(), settings)
}

func TestMergeSettingsClampsInterval(t *testing.T) {
	settings, err := MergeSettings([]byte(`{"syncIntervalMinutes":5}`))
	require.NoError(t, err)
	require.Equal(t, MinSyncIntervalMinutes, settings.SyncIntervalMinutes)
}

func TestSettingsPatchApply(t *testing.T) {
	off := false
	interval := 60
	patch := SettingsPatch{SyncSleep: &off, SyncIntervalMinutes: &interval}
	require.False(t, patch.Empty())

	updated := patch.Apply(DefaultSyncSettings())
	require.False(t, updated.SyncSleep)
	require.True(t, updated.SyncSteps)
	require.Equal(t, 60, updated.SyncIntervalMinutes)
	require.NotContains(t, updated.EnabledKinds(), KindSleep)
}

func TestEnabledKindsDisabledMaster(t *testing.T) {
	settings := DefaultSyncSettings()
	settings.Enabled = false
	require.Empty(t, settings.EnabledKinds())
}

func TestConnectionStatusRequiresPermission(t *testing.T) {
	status := NewConnectionStatus(BackendHealthConnect, nil, AllKinds)
	require.False(t, status.Connected)

	status = NewConnectionStatus(BackendHealthConnect, []MetricKind{KindSteps}, AllKinds)
	require.True(t, status.Connected)
	require.True(t, status.Granted(KindSteps))
	require.False(t, status.Granted(KindSleep))
}
