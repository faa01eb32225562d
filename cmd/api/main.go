package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/bootstrap"
	"example.com/healthsync/internal/config"
	httptransport "example.com/healthsync/internal/transport/http"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("load .env: %v", err)
	}
	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to wire sync engine: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	app.Watch(ctx)

	orch := app.Orchestrator
	if !orch.Initialize(ctx) {
		log.Printf("%s backend unavailable; syncs will report not connected", app.Backend)
	}
	if settings, err := orch.GetSettings(ctx); err == nil && settings.Enabled {
		orch.StartForegroundSync(ctx)
		if err := orch.RegisterBackgroundTask(ctx); err != nil {
			log.Printf("register background task: %v", err)
		}
	}

	var steps api.StepService
	if app.Steps != nil {
		steps = app.Steps
	}
	handler := api.NewHandler(orch, steps)
	authn := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("healthsync api (%s) on %s", app.Backend, cfg.HTTPAddress)
		return httptransport.ListenAndServe(gctx, httptransport.DefaultServerConfig(cfg.HTTPAddress), handler.Router(authn))
	})
	g.Go(func() error {
		metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
		return httptransport.ListenAndServe(gctx, metricsCfg, promhttp.Handler())
	})
	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
	orch.StopForegroundSync()
}
