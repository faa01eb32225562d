// Package bootstrap builds the sync engine from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/aggregate"
	"example.com/healthsync/internal/bridge/autoexport"
	"example.com/healthsync/internal/bridge/companion"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/kv"
	"example.com/healthsync/internal/ledger"
	"example.com/healthsync/internal/logbook"
	"example.com/healthsync/internal/notify"
	"example.com/healthsync/internal/orchestrator"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/scheduler"
	"example.com/healthsync/internal/state"
	"example.com/healthsync/internal/steps"
	"example.com/healthsync/internal/workouts"
)

// App holds the wired services of one process.
type App struct {
	Config       config.Config
	Backend      domain.Backend
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Local
	Notifier     *notify.Notifier
	Publisher    *events.Publisher
	// Steps is nil unless the backend offers a live pedometer.
	Steps *steps.Session

	watchers []func(context.Context) error
	closers  []func() error
}

// Option adjusts how New wires the App.
type Option func(*options)

type options struct {
	withScheduler bool
	withEvents    bool
}

// WithoutScheduler skips the in-process scheduler. One-shot binaries use it.
func WithoutScheduler() Option {
	return func(o *options) { o.withScheduler = false }
}

// WithoutEvents skips Kafka publishing even when brokers are configured.
func WithoutEvents() Option {
	return func(o *options) { o.withEvents = false }
}

// New wires every collaborator described by cfg. Call Close when done.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{withScheduler: true, withEvents: true}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{Config: cfg, Backend: provider.Detect(cfg.Platform)}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	store, err := kv.Open(ctx, cfg.KVDSN)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	app.addCloser(store)

	logs, err := openLogbook(ctx, cfg.LogDSN)
	if err != nil {
		return nil, fmt.Errorf("open logbook: %w", err)
	}
	app.addCloser(logs)

	app.Notifier = notify.New(newSender(cfg))
	repo := state.NewRepository(store, log.New(log.Writer(), "[state] ", log.LstdFlags))
	l := ledger.New(store, ledger.WithRetention(cfg.LedgerRetention))

	var companionClient *companion.Client
	var p provider.Provider
	switch app.Backend {
	case domain.BackendHealthKit:
		if strings.TrimSpace(cfg.AutoExportDir) == "" {
			return nil, errors.New("AUTO_EXPORT_DIR is required for the HealthKit backend")
		}
		bridge := autoexport.New(cfg.AutoExportDir)
		app.watchers = append(app.watchers, bridge.Watch)
		p = provider.NewHealthKit(bridge)
	default:
		companionClient = companion.NewClient(cfg.CompanionURL, cfg.CompanionToken, &http.Client{Timeout: 15 * time.Second})
		p = provider.NewHealthConnect(companionClient)
	}

	var importOpts []workouts.Option
	if o.withEvents && cfg.KafkaEnabled() {
		validator, err := events.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("compile event schemas: %w", err)
		}
		producer := events.NewKafkaProducer(cfg.KafkaBrokers)
		app.closers = append(app.closers, producer.Close)
		app.Publisher = events.NewPublisher(producer, validator, events.WithTopic(cfg.KafkaTopic))
		importOpts = append(importOpts, workouts.WithImportHook(app.Publisher.OnWorkoutImported))
	}
	importer := workouts.NewImporter(logs, l, p, importOpts...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithEngine(aggregate.New(aggregate.Options{Wearables: cfg.Wearables, PreferWearable: true})),
		orchestrator.WithPrompter(app.Notifier),
		orchestrator.WithForegroundInterval(cfg.ForegroundInterval),
		orchestrator.WithBackgroundBudget(cfg.BackgroundBudget),
	}
	if o.withScheduler {
		app.Scheduler = scheduler.NewLocal(scheduler.WithJitter(cfg.SchedulerJitter))
		app.closers = append(app.closers, func() error {
			app.Scheduler.Close()
			return nil
		})
		orchOpts = append(orchOpts, orchestrator.WithScheduler(app.Scheduler))
	}
	app.Orchestrator = orchestrator.New(p, repo, importer, l, orchOpts...)
	if app.Publisher != nil {
		app.Orchestrator.AddListener(app.Publisher.OnSync)
	}

	if companionClient != nil {
		app.Steps = steps.NewSession(
			companion.NewPedometer(cfg.CompanionURL, cfg.CompanionToken),
			companionClient,
			app.Notifier,
			repo,
			logs,
			steps.WithFlushInterval(cfg.StepFlushInterval),
		)
	}
	return app, nil
}

// Watch runs the background watchers (export directory notifications) until
// ctx is cancelled.
func (a *App) Watch(ctx context.Context) {
	for _, watch := range a.watchers {
		go func(watch func(context.Context) error) {
			if err := watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("watcher stopped: %v", err)
			}
		}(watch)
	}
}

// Close stops the step session and releases every resource in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.Steps != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.Steps.Stop(ctx))
		cancel()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.StopForegroundSync()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(v any) {
	if c, ok := v.(kv.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

func newSender(cfg config.Config) notify.Sender {
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		return notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	return notify.NewLogSender(nil)
}

// openLogbook selects the exercise and step log from the DSN scheme, matching kv.Open.
func openLogbook(ctx context.Context, dsn string) (logbook.Log, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return logbook.NewMemoryLog(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return logbook.OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres logbook: %w", err)
		}
		return &pooledLog{PostgresLog: logbook.NewPostgresLog(pool), pool: pool}, nil
	default:
		return nil, fmt.Errorf("unsupported logbook dsn %q", dsn)
	}
}

type pooledLog struct {
	*logbook.PostgresLog
	pool *pgxpool.Pool
}

func (p *pooledLog) Close() error {
	p.pool.Close()
	return nil
}
