// Command background runs one background sync and exits. It is meant for cron
// or systemd timers; a failed run exits with EX_TEMPFAIL so the timer retries.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"example.com/healthsync/internal/bootstrap"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/scheduler"
)

const exitTempFail = 75

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("load .env: %v", err)
	}
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.WithoutScheduler())
	if err != nil {
		log.Printf("failed to wire sync engine: %v", err)
		os.Exit(exitTempFail)
	}

	result := app.Orchestrator.RunBackgroundTask(ctx)
	log.Printf("background sync finished: %s", result)
	if err := app.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if result == scheduler.Failed {
		os.Exit(exitTempFail)
	}
}
