// Package orchestrator drives health syncs from the foreground timer and the
// background scheduler, and fans results out to listeners.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"example.com/healthsync/internal/aggregate"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/ledger"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/provider"
	"example.com/healthsync/internal/scheduler"
	"example.com/healthsync/internal/state"
	"example.com/healthsync/internal/workouts"
)

const (
	// DefaultForegroundInterval is the period of the in-app sync timer.
	DefaultForegroundInterval = 5 * time.Minute
	// DefaultBackgroundBudget bounds one background task invocation.
	DefaultBackgroundBudget = 30 * time.Second
	// BackgroundTaskName identifies the task registered with the scheduler.
	BackgroundTaskName = "health-background-sync"
)

var (
	// ErrNoScheduler is returned by background registration without a scheduler.
	ErrNoScheduler = errors.New("no background scheduler configured")
	// ErrSyncDisabled is reported in SyncResult.Error when the user turned sync off.
	ErrSyncDisabled = errors.New("sync disabled")
)

const permissionPrompt = "Health data access is off. Grant permission in your health settings to keep steps and workouts in sync."

// Listener receives every SyncResult.
type Listener func(domain.SyncResult)

// Prompter surfaces actionable messages to the user.
type Prompter interface {
	Prompt(ctx context.Context, text string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEngine replaces the default aggregation engine.
func WithEngine(e *aggregate.Engine) Option {
	return func(o *Orchestrator) { o.engine = e }
}

// WithScheduler enables background task registration.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(o *Orchestrator) { o.scheduler = s }
}

// WithPrompter sets where the one-time permission prompt goes.
func WithPrompter(p Prompter) Option {
	return func(o *Orchestrator) { o.prompter = p }
}

// WithForegroundInterval overrides DefaultForegroundInterval.
func WithForegroundInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.foregroundInterval = d
		}
	}
}

// WithBackgroundBudget overrides DefaultBackgroundBudget.
func WithBackgroundBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.backgroundBudget = d
		}
	}
}

// Orchestrator owns the provider, the persisted sync state and both sync triggers.
type Orchestrator struct {
	provider  provider.Provider
	repo      *state.Repository
	importer  *workouts.Importer
	ledger    *ledger.Ledger
	engine    *aggregate.Engine
	scheduler scheduler.Scheduler
	prompter  Prompter
	logger    *log.Logger
	now       func() time.Time

	foregroundInterval time.Duration
	backgroundBudget   time.Duration

	flight singleflight.Group

	mu          sync.RWMutex
	status      domain.ConnectionStatus
	initialized bool
	prompted    bool
	listeners   map[int]Listener
	nextID      int
	foreground  *foregroundLoop
	background  bool

	foregroundParked bool
}

// New wires an Orchestrator.
func New(p provider.Provider, repo *state.Repository, importer *workouts.Importer, l *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:           p,
		repo:               repo,
		importer:           importer,
		ledger:             l,
		engine:             aggregate.New(aggregate.Options{PreferWearable: true}),
		logger:             log.New(log.Writer(), "[orchestrator] ", log.LstdFlags),
		now:                time.Now,
		foregroundInterval: DefaultForegroundInterval,
		backgroundBudget:   DefaultBackgroundBudget,
		listeners:          make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize prepares the provider and loads the persisted connection status.
// It is safe to call repeatedly.
func (o *Orchestrator) Initialize(ctx context.Context) bool {
	backend := o.provider.Backend()
	if !o.provider.Initialize(ctx) {
		o.logger.Printf("%s unavailable", backend)
		o.setStatus(domain.ConnectionStatus{ActiveBackend: &backend})
		return false
	}

	status := domain.NewConnectionStatus(backend, nil, o.provider.SupportedKinds())
	persisted, ok, err := o.repo.ConnectionStatus(ctx)
	if err != nil {
		o.logger.Printf("load connection status: %v", err)
	}
	if ok && persisted.ActiveBackend != nil && *persisted.ActiveBackend == backend {
		status.GrantedPermissions = persisted.GrantedPermissions
		status.Connected = persisted.Connected
		status.LastSyncTime = persisted.LastSyncTime
	}
	o.setStatus(status)
	return true
}

// RequestPermissions asks the provider for every kind it supports and persists
// the granted set. A denial produces one prompt per Orchestrator.
func (o *Orchestrator) RequestPermissions(ctx context.Context) (domain.ConnectionStatus, error) {
	if !o.Initialize(ctx) {
		return o.connection(), fmt.Errorf("%w: %s", domain.ErrBackendUnavailable, o.provider.Backend())
	}

	supported := o.provider.SupportedKinds()
	granted := o.provider.RequestPermission(ctx, supported)
	status := domain.NewConnectionStatus(o.provider.Backend(), granted, supported)
	status.LastSyncTime = o.connection().LastSyncTime
	o.setStatus(status)

	if !status.Connected {
		o.promptOnce(ctx)
	}
	if err := o.repo.SaveConnectionStatus(ctx, status); err != nil {
		return status, err
	}
	return status, nil
}

// GetConnectionStatus returns the in-memory status, falling back to the
// persisted one before Initialize has run.
func (o *Orchestrator) GetConnectionStatus(ctx context.Context) (domain.ConnectionStatus, error) {
	if o.isInitialized() {
		return o.connection(), nil
	}
	status, _, err := o.repo.ConnectionStatus(ctx)
	return status, err
}

func (o *Orchestrator) GetSettings(ctx context.Context) (domain.SyncSettings, error) {
	return o.repo.Settings(ctx)
}

// UpdateSettings persists patch and re-arms the triggers that depend on it.
// Turning auto sync off parks a running foreground timer; turning it back on
// restarts it.
func (o *Orchestrator) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.SyncSettings, error) {
	settings, err := o.repo.UpdateSettings(ctx, patch)
	if err != nil {
		return settings, err
	}
	if !settings.AutoSync || !settings.Enabled {
		o.parkForeground()
	} else {
		o.resumeForeground(ctx)
	}
	o.mu.RLock()
	registered := o.background
	o.mu.RUnlock()
	if registered && patch.SyncIntervalMinutes != nil {
		if err := o.RegisterBackgroundTask(ctx); err != nil {
			o.logger.Printf("re-register background task: %v", err)
		}
	}
	return settings, nil
}

// AddListener subscribes fn to sync results and returns its unsubscribe func.
func (o *Orchestrator) AddListener(fn Listener) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.listeners, id)
			o.mu.Unlock()
		})
	}
}

// PerformSync reads today's enabled metrics, aggregates them and broadcasts the
// result. Concurrent callers share one in-flight run. A caller whose ctx ends
// early gets a failed result while the shared run still completes.
func (o *Orchestrator) PerformSync(ctx context.Context) domain.SyncResult {
	ch := o.flight.DoChan("sync", func() (any, error) {
		return o.performSync(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(domain.SyncResult)
	case <-ctx.Done():
		return domain.SyncResult{Success: false, Timestamp: o.now(), Error: ctx.Err().Error()}
	}
}

func (o *Orchestrator) performSync(ctx context.Context) (result domain.SyncResult) {
	started := o.now()
	status := o.connection()
	if !status.Connected {
		observability.RecordSyncSkipped()
		return domain.SyncResult{Success: false, Timestamp: started, Error: domain.ErrNotConnected.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("sync panicked: %v", r)
			result = domain.SyncResult{Success: false, Timestamp: o.now(), Error: fmt.Sprint(r)}
		}
		observability.RecordSync(result.Success, started, o.now())
	}()

	settings, err := o.repo.Settings(ctx)
	if err != nil {
		return domain.SyncResult{Success: false, Timestamp: started, Error: err.Error()}
	}
	if !settings.Enabled {
		return domain.SyncResult{Success: false, Timestamp: started, Error: ErrSyncDisabled.Error()}
	}

	metrics, err := o.collect(ctx, settings, status, domain.Today(started))
	if err != nil {
		return domain.SyncResult{Success: false, Timestamp: started, Error: err.Error()}
	}

	finished := o.now()
	result = domain.SyncResult{Success: true, Timestamp: finished, Metrics: metrics}
	if err := o.recordSyncTime(ctx, finished); err != nil {
		o.logger.Printf("persist sync time: %v", err)
		result.Success = false
		result.Error = err.Error()
	}
	o.broadcast(result)
	return result
}

// collect reads every enabled and granted kind concurrently and aggregates it.
func (o *Orchestrator) collect(ctx context.Context, settings domain.SyncSettings, status domain.ConnectionStatus, window domain.TimeRange) (map[domain.MetricKind]domain.AggregatedMetric, error) {
	engine := o.engine.WithPreferWearable(settings.PreferWearableOverPhone)

	var mu sync.Mutex
	metrics := make(map[domain.MetricKind]domain.AggregatedMetric)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range settings.EnabledKinds() {
		if !status.Granted(kind) {
			continue
		}
		kind := kind
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: read %s: %v", domain.ErrProviderRead, kind, r)
				}
			}()
			points := o.read(gctx, kind, window)
			if err := gctx.Err(); err != nil {
				return err
			}
			metric := engine.Aggregate(kind, points)
			mu.Lock()
			metrics[kind] = metric
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return metrics, nil
}

func (o *Orchestrator) read(ctx context.Context, kind domain.MetricKind, window domain.TimeRange) []domain.HealthDataPoint {
	switch kind {
	case domain.KindSteps:
		return o.provider.ReadSteps(ctx, window)
	case domain.KindHeartRate:
		return o.provider.ReadHeartRate(ctx, window)
	case domain.KindActiveCalories:
		return o.provider.ReadActiveCalories(ctx, window)
	case domain.KindSleep:
		return o.provider.ReadSleep(ctx, window)
	case domain.KindWorkout:
		return aggregate.WorkoutPoints(o.provider.ReadWorkouts(ctx, window))
	default:
		return nil
	}
}

func (o *Orchestrator) recordSyncTime(ctx context.Context, ts time.Time) error {
	o.mu.Lock()
	o.status.LastSyncTime = &ts
	status := o.status
	o.mu.Unlock()

	if err := o.repo.SetLastSyncTime(ctx, ts); err != nil {
		return err
	}
	return o.repo.SaveConnectionStatus(ctx, status)
}

// broadcast calls listeners synchronously; a panicking listener is logged and skipped.
func (o *Orchestrator) broadcast(result domain.SyncResult) {
	o.mu.RLock()
	listeners := make([]Listener, 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Printf("sync listener panicked: %v", r)
				}
			}()
			fn(result)
		}()
	}
}

// SyncWorkoutsToExerciseLog imports today's workouts and returns how many were
// inserted. Failures are logged and reported as zero.
func (o *Orchestrator) SyncWorkoutsToExerciseLog(ctx context.Context) int {
	status := o.connection()
	if !status.Connected || !status.Granted(domain.KindWorkout) {
		return 0
	}
	settings, err := o.repo.Settings(ctx)
	if err != nil {
		o.logger.Printf("load settings: %v", err)
		return 0
	}
	if !settings.Enabled || !settings.SyncWorkouts {
		return 0
	}

	sessions := o.provider.ReadWorkouts(ctx, domain.Today(o.now()))
	inserted, err := o.importer.Import(ctx, sessions)
	if err != nil {
		o.logger.Printf("import workouts: %v", err)
	}
	return inserted
}

// ClearWorkoutLedger forgets which workouts were imported.
func (o *Orchestrator) ClearWorkoutLedger(ctx context.Context) error {
	return o.ledger.Clear(ctx)
}

// CompactWorkoutLedger drops expired ledger entries and returns how many were removed.
func (o *Orchestrator) CompactWorkoutLedger(ctx context.Context) (int, error) {
	return o.ledger.Compact(ctx)
}

func (o *Orchestrator) connection() domain.ConnectionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) isInitialized() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.initialized
}

func (o *Orchestrator) setStatus(status domain.ConnectionStatus) {
	o.mu.Lock()
	o.status = status
	o.initialized = true
	o.mu.Unlock()
}

func (o *Orchestrator) promptOnce(ctx context.Context) {
	o.mu.Lock()
	if o.prompted || o.prompter == nil {
		o.mu.Unlock()
		return
	}
	o.prompted = true
	o.mu.Unlock()

	if err := o.prompter.Prompt(ctx, permissionPrompt); err != nil {
		o.logger.Printf("permission prompt: %v", err)
	}
}
