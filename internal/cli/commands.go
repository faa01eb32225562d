package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/bootstrap"
	"example.com/healthsync/internal/domain"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection status and last sync times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				status, err := app.Orchestrator.GetConnectionStatus(cmd.Context())
				if err != nil {
					return wrapExit(ExitFailure, "read status", err)
				}
				lastBackground, err := app.Orchestrator.GetLastBackgroundSyncTime(cmd.Context())
				if err != nil {
					return wrapExit(ExitFailure, "read background sync time", err)
				}
				out := struct {
					domain.ConnectionStatus
					LastBackgroundSync *time.Time `json:"lastBackgroundSync,omitempty"`
				}{status, lastBackground}
				return opts.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					backend := "none"
					if status.ActiveBackend != nil {
						backend = string(*status.ActiveBackend)
					}
					fmt.Fprintf(w, "backend:      %s\n", backend)
					fmt.Fprintf(w, "connected:    %t\n", status.Connected)
					fmt.Fprintf(w, "granted:      %s\n", joinKinds(status.GrantedPermissions))
					fmt.Fprintf(w, "last sync:    %s\n", formatTime(status.LastSyncTime))
					fmt.Fprintf(w, "last bg sync: %s\n", formatTime(lastBackground))
				})
			})
		},
	}
}

func newPermissionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "Request read access for every supported metric",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				status, err := app.Orchestrator.RequestPermissions(cmd.Context())
				if err != nil {
					return wrapExit(ExitFailure, "request permissions", err)
				}
				if err := opts.print(cmd.OutOrStdout(), status, func(w io.Writer) {
					fmt.Fprintf(w, "granted: %s\n", joinKinds(status.GrantedPermissions))
				}); err != nil {
					return err
				}
				if !status.Connected {
					return wrapExit(ExitFailure, "no permission granted", domain.ErrPermissionDenied)
				}
				return nil
			})
		},
	}
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync and print the aggregated metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				result := app.Orchestrator.PerformSync(cmd.Context())
				if err := opts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
					printResult(w, result)
				}); err != nil {
					return err
				}
				if !result.Success {
					return wrapExit(ExitFailure, "sync failed: "+result.Error, nil)
				}
				return nil
			})
		},
	}
}

func printResult(w io.Writer, result domain.SyncResult) {
	if !result.Success {
		fmt.Fprintf(w, "sync failed: %s\n", result.Error)
		return
	}
	fmt.Fprintf(w, "synced at %s\n", result.Timestamp.Format(time.RFC3339))
	for _, kind := range domain.AllKinds {
		m, ok := result.Metrics[kind]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-16s %10.1f %s", kind, m.Value, m.Unit)
		if m.PrimarySource != "" {
			line += " (" + m.PrimarySource + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func newWorkoutsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "workouts", Short: "Workout import"}
	cmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Copy today's workouts into the exercise log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				n := app.Orchestrator.SyncWorkoutsToExerciseLog(cmd.Context())
				return opts.print(cmd.OutOrStdout(), map[string]int{"imported": n}, func(w io.Writer) {
					fmt.Fprintf(w, "imported %d workout(s)\n", n)
				})
			})
		},
	})
	return cmd
}

func newLedgerCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Maintain the imported-workout ledger"}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every imported workout id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				if err := app.Orchestrator.ClearWorkoutLedger(cmd.Context()); err != nil {
					return wrapExit(ExitFailure, "clear ledger", err)
				}
				return opts.print(cmd.OutOrStdout(), map[string]bool{"cleared": true}, func(w io.Writer) {
					fmt.Fprintln(w, "ledger cleared")
				})
			})
		},
	}, &cobra.Command{
		Use:   "compact",
		Short: "Drop ledger entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				removed, err := app.Orchestrator.CompactWorkoutLedger(cmd.Context())
				if err != nil {
					return wrapExit(ExitFailure, "compact ledger", err)
				}
				return opts.print(cmd.OutOrStdout(), map[string]int{"removed": removed}, func(w io.Writer) {
					fmt.Fprintf(w, "removed %d entr(y/ies)\n", removed)
				})
			})
		},
	})
	return cmd
}

func newSettingsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Show or change sync settings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				settings, err := app.Orchestrator.GetSettings(cmd.Context())
				if err != nil {
					return wrapExit(ExitFailure, "read settings", err)
				}
				return opts.print(cmd.OutOrStdout(), settings, func(w io.Writer) {
					printSettings(w, settings)
				})
			})
		},
	}, &cobra.Command{
		Use:   "set key=value...",
		Short: "Change settings, e.g. syncSleep=false syncIntervalMinutes=30",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePatch(args)
			if err != nil {
				return wrapExit(ExitCommandError, "parse settings", err)
			}
			return opts.withApp(cmd.Context(), func(app *bootstrap.App) error {
				settings, err := app.Orchestrator.UpdateSettings(cmd.Context(), patch)
				if err != nil {
					return wrapExit(ExitFailure, "update settings", err)
				}
				return opts.print(cmd.OutOrStdout(), settings, func(w io.Writer) {
					printSettings(w, settings)
				})
			})
		},
	})
	return cmd
}

// parsePatch turns key=value pairs into a SettingsPatch. Keys use the
// persisted camelCase names.
func parsePatch(args []string) (domain.SettingsPatch, error) {
	fields := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return domain.SettingsPatch{}, fmt.Errorf("expected key=value, got %q", arg)
		}
		value = strings.TrimSpace(value)
		if n, err := strconv.Atoi(value); err == nil {
			value = strconv.Itoa(n)
		} else if b, err := strconv.ParseBool(value); err == nil {
			value = strconv.FormatBool(b)
		} else {
			return domain.SettingsPatch{}, fmt.Errorf("%s: %q is neither a boolean nor an integer", key, value)
		}
		fields[strings.TrimSpace(key)] = json.RawMessage(value)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return domain.SettingsPatch{}, err
	}
	var patch domain.SettingsPatch
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return domain.SettingsPatch{}, err
	}
	return patch, nil
}

func printSettings(w io.Writer, s domain.SyncSettings) {
	raw, _ := json.Marshal(s)
	var fields map[string]interface{}
	_ = json.Unmarshal(raw, &fields)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-24s %v\n", k, fields[k])
	}
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		subject string
		device  string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := auth.Config{Secret: opts.Config.JWTSecret, Issuer: opts.Config.JWTIssuer}
			token, err := auth.Issue(cfg, subject, device, scopes, ttl, time.Now())
			if err != nil {
				return wrapExit(ExitCommandError, "issue token", err)
			}
			return opts.print(cmd.OutOrStdout(), map[string]string{"token": token}, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&device, "device", "", "optional device id claim")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeHealthRead, auth.ScopeHealthWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func joinKinds(kinds []domain.MetricKind) string {
	if len(kinds) == 0 {
		return "-"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
