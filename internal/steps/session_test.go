package steps

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/kv"
	"example.com/healthsync/internal/logbook"
	"example.com/healthsync/internal/state"
)

// scriptedPedometer replays readings, then either blocks until cancelled or
// fails with endErr.
type scriptedPedometer struct {
	readings []Reading
	openErr  error
	endErr   error
}

func (p *scriptedPedometer) Open(context.Context) (Stream, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &scriptedStream{readings: p.readings, endErr: p.endErr}, nil
}

type scriptedStream struct {
	readings []Reading
	endErr   error
}

func (s *scriptedStream) Next(ctx context.Context) (Reading, error) {
	if len(s.readings) > 0 {
		r := s.readings[0]
		s.readings = s.readings[1:]
		return r, nil
	}
	if s.endErr != nil {
		return Reading{}, s.endErr
	}
	<-ctx.Done()
	return Reading{}, ctx.Err()
}

func (s *scriptedStream) Close() error { return nil }

type stubPermissions struct {
	granted   bool
	requested int
}

func (p *stubPermissions) CheckActivityRecognition(context.Context) (bool, error) {
	return p.granted, nil
}

func (p *stubPermissions) RequestActivityRecognition(context.Context) (bool, error) {
	p.requested++
	return p.granted, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []string
	prompts  []string
}

func (n *recordingNotifier) Status(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, text)
	return nil
}

func (n *recordingNotifier) Prompt(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, text)
	return nil
}

type fixture struct {
	session  *Session
	notifier *recordingNotifier
	perms    *stubPermissions
	repo     *state.Repository
	log      *logbook.MemoryLog
}

func newFixture(t *testing.T, pedometer Pedometer, granted bool, opts ...Option) fixture {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	f := fixture{
		notifier: &recordingNotifier{},
		perms:    &stubPermissions{granted: granted},
		repo:     state.NewRepository(kv.NewMemoryStore(), quiet),
		log:      logbook.NewMemoryLog(),
	}
	opts = append([]Option{WithLogger(quiet)}, opts...)
	f.session = NewSession(pedometer, f.perms, f.notifier, f.repo, f.log, opts...)
	return f
}

func TestBaselineResetNeverCreditsNegative(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true)
	ctx := context.Background()
	now := time.Now()

	var deltas []int64
	f.session.AddListener(func(u Update) { deltas = append(deltas, u.Delta) })

	for _, steps := range []int64{100, 150, 40, 90} {
		f.session.HandleReading(ctx, Reading{Steps: steps, At: now})
	}

	require.Equal(t, int64(100), f.session.DailyTotal())
	require.Equal(t, []int64{50, 50}, deltas)

	st, err := f.repo.StepState(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), st.DailyTotal)
	require.Equal(t, domain.DateKey(now), st.Date)
}

func TestDayRolloverRestartsTotal(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true)
	ctx := context.Background()
	day1 := time.Date(2025, time.July, 1, 23, 50, 0, 0, time.Local)
	day2 := day1.Add(20 * time.Minute)

	f.session.HandleReading(ctx, Reading{Steps: 1000, At: day1})
	f.session.HandleReading(ctx, Reading{Steps: 1300, At: day1.Add(5 * time.Minute)})
	require.Equal(t, int64(300), f.session.DailyTotal())

	f.session.HandleReading(ctx, Reading{Steps: 1350, At: day2})
	require.Equal(t, int64(50), f.session.DailyTotal())
	require.NoError(t, f.session.Flush(ctx))

	previous, err := f.log.GetStepsForDate(ctx, day1)
	require.NoError(t, err)
	require.Equal(t, int64(300), previous)
	current, err := f.log.GetStepsForDate(ctx, day2)
	require.NoError(t, err)
	require.Equal(t, int64(50), current)
}

func TestDayRolloverKeepsFlushedSteps(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true)
	ctx := context.Background()
	day1 := time.Date(2025, time.July, 1, 23, 40, 0, 0, time.Local)

	f.session.HandleReading(ctx, Reading{Steps: 0, At: day1})
	f.session.HandleReading(ctx, Reading{Steps: 200, At: day1})
	require.NoError(t, f.session.Flush(ctx))
	f.session.HandleReading(ctx, Reading{Steps: 260, At: day1.Add(10 * time.Minute)})
	f.session.HandleReading(ctx, Reading{Steps: 300, At: day1.Add(30 * time.Minute)})

	previous, err := f.log.GetStepsForDate(ctx, day1)
	require.NoError(t, err)
	require.Equal(t, int64(260), previous)
	require.Equal(t, int64(40), f.session.DailyTotal())
}

func TestListenerPanicIsContained(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true)
	ctx := context.Background()
	f.session.AddListener(func(Update) { panic("boom") })
	calls := 0
	remove := f.session.AddListener(func(Update) { calls++ })

	now := time.Now()
	f.session.HandleReading(ctx, Reading{Steps: 10, At: now})
	f.session.HandleReading(ctx, Reading{Steps: 20, At: now})
	remove()
	f.session.HandleReading(ctx, Reading{Steps: 30, At: now})

	require.Equal(t, 1, calls)
	require.Equal(t, int64(20), f.session.DailyTotal())
}

func TestFlushIsMaxBased(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true)
	ctx := context.Background()
	now := time.Now()

	f.session.HandleReading(ctx, Reading{Steps: 0, At: now})
	f.session.HandleReading(ctx, Reading{Steps: 250, At: now})
	require.NoError(t, f.session.Flush(ctx))
	require.NoError(t, f.session.Flush(ctx))

	logged, err := f.log.GetStepsForDate(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(250), logged)
	require.Equal(t, "250 steps today", f.notifier.statuses[len(f.notifier.statuses)-1])
	require.False(t, f.session.LastFlush().IsZero())
}

func TestStartRunStop(t *testing.T) {
	now := time.Now()
	pedometer := &scriptedPedometer{readings: []Reading{
		{Steps: 5000, At: now},
		{Steps: 5040, At: now},
		{Steps: 5100, At: now},
	}}
	f := newFixture(t, pedometer, true, WithFlushInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, f.session.Start(ctx))
	require.Equal(t, Running, f.session.State())
	require.NoError(t, f.session.Start(ctx))

	require.Eventually(t, func() bool { return f.session.DailyTotal() == 100 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.Stop(ctx))
	require.Equal(t, Stopped, f.session.State())

	logged, err := f.log.GetStepsForDate(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(100), logged)
}

func TestStartRestoresPersistedTotal(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, true, WithFlushInterval(time.Hour))
	ctx := context.Background()
	require.NoError(t, f.repo.SaveStepState(ctx, state.StepState{DailyTotal: 700, Date: domain.DateKey(time.Now())}))

	require.NoError(t, f.session.Start(ctx))
	require.Equal(t, int64(700), f.session.DailyTotal())
	require.NoError(t, f.session.Stop(ctx))
}

func TestUnreachablePedometerStaysStopped(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{openErr: errors.New("connection refused")}, true)

	err := f.session.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	require.Equal(t, Stopped, f.session.State())
	require.Len(t, f.notifier.prompts, 1)
}

func TestLostStreamStopsSession(t *testing.T) {
	now := time.Now()
	pedometer := &scriptedPedometer{
		readings: []Reading{{Steps: 100, At: now}, {Steps: 180, At: now}},
		endErr:   errors.New("read pedometer: connection reset"),
	}
	f := newFixture(t, pedometer, true, WithFlushInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, f.session.Start(ctx))
	require.Eventually(t, func() bool { return f.session.State() == Stopped }, 2*time.Second, 10*time.Millisecond)

	logged, err := f.log.GetStepsForDate(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(80), logged)
	f.notifier.mu.Lock()
	require.Len(t, f.notifier.prompts, 1)
	f.notifier.mu.Unlock()

	require.NoError(t, f.session.Stop(ctx))
	require.Equal(t, Stopped, f.session.State())
}

func TestPermissionDeniedStaysStopped(t *testing.T) {
	f := newFixture(t, &scriptedPedometer{}, false)

	err := f.session.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	require.Equal(t, Stopped, f.session.State())
	require.Equal(t, 1, f.perms.requested)
	require.Len(t, f.notifier.prompts, 1)
}
