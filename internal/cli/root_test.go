package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/bootstrap"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Platform:           "ios",
		AutoExportDir:      dir,
		KVDSN:              "sqlite://" + filepath.Join(dir, "state.db"),
		LogDSN:             "memory://",
		ForegroundInterval: time.Minute,
		BackgroundBudget:   5 * time.Second,
		JWTSecret:          "cli-secret",
		JWTIssuer:          "healthsync",
	}
}

func run(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	open := func(ctx context.Context) (*bootstrap.App, error) {
		return bootstrap.New(ctx, cfg, bootstrap.WithoutScheduler(), bootstrap.WithoutEvents())
	}
	cmd := NewRootCommand(cfg, open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(config.Config{}, nil)
	for _, path := range [][]string{
		{"status"}, {"permissions"}, {"sync"}, {"workouts", "import"},
		{"ledger", "clear"}, {"ledger", "compact"}, {"settings", "show"}, {"settings", "set"}, {"token"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		require.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, testConfig(t), "--format", "yaml", "status")
	require.Equal(t, ExitCommandError, ExitCode(err))
}

func TestSettingsPersistAcrossInvocations(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, cfg, "settings", "set", "syncSleep=false", "syncIntervalMinutes=30")
	require.NoError(t, err)

	out, err := run(t, cfg, "--format", "json", "settings", "show")
	require.NoError(t, err)
	var settings domain.SyncSettings
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	require.False(t, settings.SyncSleep)
	require.True(t, settings.SyncSteps)
	require.Equal(t, 30, settings.SyncIntervalMinutes)

	_, err = run(t, cfg, "settings", "set", "syncSleep=maybe")
	require.Equal(t, ExitCommandError, ExitCode(err))
	_, err = run(t, cfg, "settings", "set", "syncNaps=true")
	require.Equal(t, ExitCommandError, ExitCode(err))
}

func TestSyncRequiresPermissions(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "sync")
	require.Equal(t, ExitFailure, ExitCode(err))
	require.Contains(t, out, "not connected")

	_, err = run(t, cfg, "permissions")
	require.NoError(t, err)

	out, err = run(t, cfg, "--format", "json", "sync")
	require.NoError(t, err)
	var result domain.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.True(t, result.Success)

	out, err = run(t, cfg, "status")
	require.NoError(t, err)
	require.Contains(t, out, "connected:    true")
	require.NotContains(t, out, "last sync:    never")
}

func TestWorkoutAndLedgerCommands(t *testing.T) {
	cfg := testConfig(t)
	_, err := run(t, cfg, "permissions")
	require.NoError(t, err)

	out, err := run(t, cfg, "workouts", "import")
	require.NoError(t, err)
	require.Equal(t, "imported 0 workout(s)\n", out)

	out, err = run(t, cfg, "--format", "json", "ledger", "compact")
	require.NoError(t, err)
	require.JSONEq(t, `{"removed":0}`, out)

	_, err = run(t, cfg, "ledger", "clear")
	require.NoError(t, err)
}

func TestTokenCommand(t *testing.T) {
	cfg := testConfig(t)
	out, err := run(t, cfg, "token", "--subject", "phone", "--scope", auth.ScopeHealthRead, "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.Parse(strings.TrimSpace(out), auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	require.NoError(t, err)
	require.Equal(t, "phone", claims.Subject)
	require.True(t, claims.HasScope(auth.ScopeHealthRead))
	require.False(t, claims.HasScope(auth.ScopeHealthWrite))
}

func TestParsePatch(t *testing.T) {
	patch, err := parsePatch([]string{"autoSync=FALSE", "syncIntervalMinutes=45"})
	require.NoError(t, err)
	require.NotNil(t, patch.AutoSync)
	require.False(t, *patch.AutoSync)
	require.Equal(t, 45, *patch.SyncIntervalMinutes)

	_, err = parsePatch([]string{"autoSync"})
	require.Error(t, err)
}
