// Package cli implements healthsyncctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/bootstrap"
	"example.com/healthsync/internal/config"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran but did not succeed
	ExitCommandError = 2 // bad flags or unreachable stores
)

// ExitError carries an exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Opener builds the sync engine for one command invocation.
type Opener func(ctx context.Context) (*bootstrap.App, error)

// RootOptions holds global flags and collaborators.
type RootOptions struct {
	Format string
	Config config.Config
	Open   Opener
}

// NewRootCommand builds the command tree. open may be nil to use the
// configured stores.
func NewRootCommand(cfg config.Config, open Opener) *cobra.Command {
	opts := &RootOptions{Config: cfg, Open: open}
	if opts.Open == nil {
		opts.Open = func(ctx context.Context) (*bootstrap.App, error) {
			return bootstrap.New(ctx, opts.Config, bootstrap.WithoutScheduler())
		}
	}

	cmd := &cobra.Command{
		Use:           "healthsyncctl",
		Short:         "Inspect and drive the health sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return wrapExit(ExitCommandError, fmt.Sprintf("invalid format %q", opts.Format), nil)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(
		newStatusCommand(opts),
		newPermissionsCommand(opts),
		newSyncCommand(opts),
		newWorkoutsCommand(opts),
		newLedgerCommand(opts),
		newSettingsCommand(opts),
		newTokenCommand(opts),
	)
	return cmd
}

// withApp opens the engine, initializes the provider and runs fn.
func (o *RootOptions) withApp(ctx context.Context, fn func(*bootstrap.App) error) error {
	app, err := o.Open(ctx)
	if err != nil {
		return wrapExit(ExitCommandError, "open sync engine", err)
	}
	app.Orchestrator.Initialize(ctx)
	runErr := fn(app)
	if err := app.Close(); err != nil && runErr == nil {
		runErr = wrapExit(ExitCommandError, "close sync engine", err)
	}
	return runErr
}

// print writes v as indented JSON, or calls text in text mode.
func (o *RootOptions) print(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
