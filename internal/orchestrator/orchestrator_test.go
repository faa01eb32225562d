package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/kv"
	"example.com/healthsync/internal/ledger"
	"example.com/healthsync/internal/logbook"
	"example.com/healthsync/internal/scheduler"
	"example.com/healthsync/internal/state"
	"example.com/healthsync/internal/workouts"
)

var quiet = log.New(io.Discard, "", 0)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	reads    map[domain.MetricKind]int
	grant    []domain.MetricKind
	steps    []domain.HealthDataPoint
	workouts []domain.WorkoutSession
	block    chan struct{}
	entered  chan struct{}
	panics   bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{reads: make(map[domain.MetricKind]int)}
}

func (f *fakeProvider) touch(kind domain.MetricKind) {
	f.mu.Lock()
	f.calls++
	if kind != "" {
		f.reads[kind]++
	}
	f.mu.Unlock()
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) readCount(kind domain.MetricKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[kind]
}

func (f *fakeProvider) Backend() domain.Backend { return domain.BackendHealthConnect }

func (f *fakeProvider) Initialize(context.Context) bool {
	f.touch("")
	return true
}

func (f *fakeProvider) RequestPermission(_ context.Context, kinds []domain.MetricKind) []domain.MetricKind {
	f.touch("")
	if f.grant != nil {
		return f.grant
	}
	return kinds
}

func (f *fakeProvider) ReadSteps(context.Context, domain.TimeRange) []domain.HealthDataPoint {
	f.touch(domain.KindSteps)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("bridge crashed")
	}
	return f.steps
}

func (f *fakeProvider) ReadHeartRate(context.Context, domain.TimeRange) []domain.HealthDataPoint {
	f.touch(domain.KindHeartRate)
	return nil
}

func (f *fakeProvider) ReadActiveCalories(context.Context, domain.TimeRange) []domain.HealthDataPoint {
	f.touch(domain.KindActiveCalories)
	return nil
}

func (f *fakeProvider) ReadSleep(context.Context, domain.TimeRange) []domain.HealthDataPoint {
	f.touch(domain.KindSleep)
	return nil
}

func (f *fakeProvider) ReadWorkouts(context.Context, domain.TimeRange) []domain.WorkoutSession {
	f.touch(domain.KindWorkout)
	return f.workouts
}

func (f *fakeProvider) NormalizeWorkoutType(raw string) string {
	if raw == "56" {
		return "Running"
	}
	return "Other"
}

func (f *fakeProvider) SupportedKinds() []domain.MetricKind {
	return domain.AllKinds
}

type countingStore struct {
	*kv.MemoryStore
	ops atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	c.ops.Add(1)
	return c.MemoryStore.Get(ctx, key)
}

func (c *countingStore) Set(ctx context.Context, key, value string) error {
	c.ops.Add(1)
	return c.MemoryStore.Set(ctx, key, value)
}

func (c *countingStore) Remove(ctx context.Context, key string) error {
	c.ops.Add(1)
	return c.MemoryStore.Remove(ctx, key)
}

type recordingPrompter struct {
	mu      sync.Mutex
	prompts []string
}

func (r *recordingPrompter) Prompt(_ context.Context, text string) error {
	r.mu.Lock()
	r.prompts = append(r.prompts, text)
	r.mu.Unlock()
	return nil
}

type recordingScheduler struct {
	intervals map[string]time.Duration
}

func (r *recordingScheduler) Register(name string, interval time.Duration, _ scheduler.Task) error {
	r.intervals[name] = interval
	return nil
}

func (r *recordingScheduler) Unregister(name string) error {
	if _, ok := r.intervals[name]; !ok {
		return scheduler.ErrUnknownTask
	}
	delete(r.intervals, name)
	return nil
}

type harness struct {
	orch      *Orchestrator
	provider  *fakeProvider
	store     *countingStore
	repo      *state.Repository
	exercises *logbook.MemoryLog
	now       time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	now := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	p := newFakeProvider()
	store := &countingStore{MemoryStore: kv.NewMemoryStore()}
	repo := state.NewRepository(store, quiet)
	exercises := logbook.NewMemoryLog()
	l := ledger.New(store)
	importer := workouts.NewImporter(exercises, l, p, workouts.WithLogger(quiet))

	base := []Option{WithLogger(quiet), WithClock(func() time.Time { return now })}
	orch := New(p, repo, importer, l, append(base, opts...)...)
	return &harness{orch: orch, provider: p, store: store, repo: repo, exercises: exercises, now: now}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.True(t, h.orch.Initialize(ctx))
	status, err := h.orch.RequestPermissions(ctx)
	require.NoError(t, err)
	require.True(t, status.Connected)
}

func stepPoints(now time.Time) []domain.HealthDataPoint {
	start := domain.StartOfDay(now).Add(8 * time.Hour)
	return []domain.HealthDataPoint{
		{Kind: domain.KindSteps, Value: 1000, Unit: "count", Start: start, End: start.Add(time.Hour), Source: "Phone"},
		{Kind: domain.KindSteps, Value: 1200, Unit: "count", Start: start, End: start.Add(time.Hour), Source: "Apple Watch"},
	}
}

func TestPerformSyncNotConnectedTouchesNothing(t *testing.T) {
	h := newHarness(t)

	result := h.orch.PerformSync(context.Background())
	require.False(t, result.Success)
	require.Equal(t, "not connected", result.Error)
	require.Zero(t, h.provider.callCount())
	require.Zero(t, h.store.ops.Load())
}

func TestPerformSyncAggregatesAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.provider.steps = stepPoints(h.now)
	h.connect(t)

	var received []domain.SyncResult
	unsubscribe := h.orch.AddListener(func(r domain.SyncResult) { received = append(received, r) })
	defer unsubscribe()

	result := h.orch.PerformSync(context.Background())
	require.True(t, result.Success, result.Error)
	steps := result.Metrics[domain.KindSteps]
	require.Equal(t, 1200.0, steps.Value)
	require.Equal(t, "Apple Watch", steps.PrimarySource)
	require.Contains(t, result.Metrics, domain.KindHeartRate)
	require.NotContains(t, result.Metrics, domain.KindDistance)

	require.Len(t, received, 1)
	require.Equal(t, result, received[0])

	last, err := h.repo.LastSyncTime(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, last.Equal(h.now))

	status, err := h.orch.GetConnectionStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.LastSyncTime)
}

func TestPerformSyncSkipsDisabledKinds(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	off := false
	_, err := h.orch.UpdateSettings(context.Background(), domain.SettingsPatch{SyncHeartRate: &off})
	require.NoError(t, err)

	result := h.orch.PerformSync(context.Background())
	require.True(t, result.Success)
	require.NotContains(t, result.Metrics, domain.KindHeartRate)
	require.Zero(t, h.provider.readCount(domain.KindHeartRate))
}

func TestPerformSyncIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.provider.steps = stepPoints(h.now)
	h.connect(t)
	h.provider.block = make(chan struct{})
	h.provider.entered = make(chan struct{}, 1)

	results := make(chan domain.SyncResult, 2)
	go func() { results <- h.orch.PerformSync(context.Background()) }()
	<-h.provider.entered
	go func() { results <- h.orch.PerformSync(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(h.provider.block)

	first, second := <-results, <-results
	require.True(t, first.Success)
	require.Equal(t, first, second)
	require.Equal(t, 1, h.provider.readCount(domain.KindSteps))
}

func TestListenerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	var calls atomic.Int32
	h.orch.AddListener(func(domain.SyncResult) { panic("listener bug") })
	unsubscribe := h.orch.AddListener(func(domain.SyncResult) { calls.Add(1) })

	require.True(t, h.orch.PerformSync(context.Background()).Success)
	require.Equal(t, int32(1), calls.Load())

	unsubscribe()
	unsubscribe()
	require.True(t, h.orch.PerformSync(context.Background()).Success)
	require.Equal(t, int32(1), calls.Load())
}

func TestPermissionDenialPromptsOnce(t *testing.T) {
	prompter := &recordingPrompter{}
	h := newHarness(t, WithPrompter(prompter))
	h.provider.grant = []domain.MetricKind{}
	ctx := context.Background()

	status, err := h.orch.RequestPermissions(ctx)
	require.NoError(t, err)
	require.False(t, status.Connected)
	_, err = h.orch.RequestPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, prompter.prompts, 1)

	persisted, ok, err := h.repo.ConnectionStatus(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, persisted.Connected)
}

func TestInitializeRestoresPersistedGrants(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	restarted := New(h.provider, h.repo, nil, nil, WithLogger(quiet))
	require.True(t, restarted.Initialize(context.Background()))
	status, err := restarted.GetConnectionStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.ElementsMatch(t, domain.AllKinds, status.GrantedPermissions)
}

func TestSyncWorkoutsIsIdempotent(t *testing.T) {
	h := newHarness(t)
	start := domain.StartOfDay(h.now).Add(7 * time.Hour)
	h.provider.workouts = []domain.WorkoutSession{{
		Type: "Running", RawType: "56", Start: start, End: start.Add(40 * time.Minute),
		DurationMinutes: 40, Source: "Pixel Watch",
	}}
	h.connect(t)
	ctx := context.Background()

	require.Equal(t, 1, h.orch.SyncWorkoutsToExerciseLog(ctx))
	require.Equal(t, 0, h.orch.SyncWorkoutsToExerciseLog(ctx))

	logged, err := h.exercises.GetExercisesByDate(ctx, start)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	require.Equal(t, 457, logged[0].CaloriesBurned)

	require.NoError(t, h.orch.ClearWorkoutLedger(ctx))
	require.Equal(t, 0, h.orch.SyncWorkoutsToExerciseLog(ctx))
}

func TestRunBackgroundTaskResults(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		h := newHarness(t)
		h.provider.grant = []domain.MetricKind{}
		require.Equal(t, scheduler.NoData, h.orch.RunBackgroundTask(ctx))
	})

	t.Run("new data", func(t *testing.T) {
		h := newHarness(t)
		h.provider.steps = stepPoints(h.now)
		h.connect(t)
		require.Equal(t, scheduler.NewData, h.orch.RunBackgroundTask(ctx))
		last, err := h.orch.GetLastBackgroundSyncTime(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
	})

	t.Run("no data", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		require.Equal(t, scheduler.NoData, h.orch.RunBackgroundTask(ctx))
	})

	t.Run("provider panic", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.provider.panics = true
		require.Equal(t, scheduler.Failed, h.orch.RunBackgroundTask(ctx))
		last, err := h.orch.GetLastBackgroundSyncTime(ctx)
		require.NoError(t, err)
		require.Nil(t, last)
	})

	t.Run("budget exceeded", func(t *testing.T) {
		h := newHarness(t, WithBackgroundBudget(20*time.Millisecond))
		h.connect(t)
		h.provider.block = make(chan struct{})
		defer close(h.provider.block)
		require.Equal(t, scheduler.Failed, h.orch.RunBackgroundTask(ctx))
	})
}

func TestBackgroundRegistrationClampsInterval(t *testing.T) {
	sched := &recordingScheduler{intervals: make(map[string]time.Duration)}
	h := newHarness(t, WithScheduler(sched))
	ctx := context.Background()

	require.NoError(t, h.orch.RegisterBackgroundTask(ctx))
	require.Equal(t, 15*time.Minute, sched.intervals[BackgroundTaskName])
	require.True(t, h.orch.BackgroundRegistered())

	interval := 45
	_, err := h.orch.UpdateSettings(ctx, domain.SettingsPatch{SyncIntervalMinutes: &interval})
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, sched.intervals[BackgroundTaskName])

	require.NoError(t, h.orch.UnregisterBackgroundTask(ctx))
	require.False(t, h.orch.BackgroundRegistered())
	require.Empty(t, sched.intervals)

	bare := newHarness(t)
	require.True(t, errors.Is(bare.orch.RegisterBackgroundTask(ctx), ErrNoScheduler))
}

func TestForegroundSyncRunsImmediately(t *testing.T) {
	h := newHarness(t, WithForegroundInterval(time.Hour))
	h.connect(t)
	ctx := context.Background()

	synced := make(chan domain.SyncResult, 4)
	h.orch.AddListener(func(r domain.SyncResult) { synced <- r })

	require.True(t, h.orch.StartForegroundSync(ctx))
	require.False(t, h.orch.StartForegroundSync(ctx))
	select {
	case r := <-synced:
		require.True(t, r.Success)
	case <-time.After(time.Second):
		t.Fatal("foreground sync did not run on start")
	}

	off := false
	_, err := h.orch.UpdateSettings(ctx, domain.SettingsPatch{AutoSync: &off})
	require.NoError(t, err)
	require.False(t, h.orch.ForegroundRunning())
	require.False(t, h.orch.StartForegroundSync(ctx))
}

func TestAutoSyncToggleRestartsForegroundSync(t *testing.T) {
	h := newHarness(t, WithForegroundInterval(time.Hour))
	h.connect(t)
	ctx := context.Background()
	off, on := false, true

	require.True(t, h.orch.StartForegroundSync(ctx))
	_, err := h.orch.UpdateSettings(ctx, domain.SettingsPatch{AutoSync: &off})
	require.NoError(t, err)
	require.False(t, h.orch.ForegroundRunning())

	_, err = h.orch.UpdateSettings(ctx, domain.SettingsPatch{AutoSync: &on})
	require.NoError(t, err)
	require.True(t, h.orch.ForegroundRunning())

	h.orch.StopForegroundSync()
	_, err = h.orch.UpdateSettings(ctx, domain.SettingsPatch{AutoSync: &off})
	require.NoError(t, err)
	_, err = h.orch.UpdateSettings(ctx, domain.SettingsPatch{AutoSync: &on})
	require.NoError(t, err)
	require.False(t, h.orch.ForegroundRunning())
}

func TestForegroundSyncImportsWorkouts(t *testing.T) {
	h := newHarness(t, WithForegroundInterval(time.Hour))
	start := domain.StartOfDay(h.now).Add(7 * time.Hour)
	h.provider.workouts = []domain.WorkoutSession{{
		Type: "Running", RawType: "56", Start: start, End: start.Add(40 * time.Minute),
		DurationMinutes: 40, Source: "Pixel Watch",
	}}
	h.connect(t)
	ctx := context.Background()

	require.True(t, h.orch.StartForegroundSync(ctx))
	defer h.orch.StopForegroundSync()

	require.Eventually(t, func() bool {
		logged, err := h.exercises.GetExercisesByDate(ctx, start)
		return err == nil && len(logged) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopForegroundSyncLetsInFlightSyncFinish(t *testing.T) {
	h := newHarness(t, WithForegroundInterval(time.Hour))
	h.provider.steps = stepPoints(h.now)
	h.connect(t)
	h.provider.block = make(chan struct{})
	h.provider.entered = make(chan struct{}, 1)

	synced := make(chan domain.SyncResult, 1)
	h.orch.AddListener(func(r domain.SyncResult) { synced <- r })

	require.True(t, h.orch.StartForegroundSync(context.Background()))
	<-h.provider.entered
	h.orch.StopForegroundSync()
	require.False(t, h.orch.ForegroundRunning())
	close(h.provider.block)

	select {
	case r := <-synced:
		require.True(t, r.Success)
		require.Contains(t, r.Metrics, domain.KindSteps)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight sync was not broadcast after stop")
	}
}
