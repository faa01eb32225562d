// Package steps runs the live step-counting session fed by the device pedometer.
package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/logbook"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/state"
)

// DefaultFlushInterval is how often the daily total is pushed to the step log.
const DefaultFlushInterval = 30 * time.Second

// Reading is a cumulative pedometer count since the sensor's own origin.
type Reading struct {
	Steps int64     `json:"steps"`
	At    time.Time `json:"timestamp"`
}

// Pedometer opens a stream of cumulative readings.
type Pedometer interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields readings until it fails, ends with io.EOF or is closed.
type Stream interface {
	Next(ctx context.Context) (Reading, error)
	Close() error
}

// PermissionChecker resolves the activity-recognition permission.
type PermissionChecker interface {
	CheckActivityRecognition(ctx context.Context) (bool, error)
	RequestActivityRecognition(ctx context.Context) (bool, error)
}

// Notifier shows the persistent status line and one-off prompts.
type Notifier interface {
	Status(ctx context.Context, text string) error
	Prompt(ctx context.Context, text string) error
}

// State is the lifecycle of a Session.
type State int

const (
	Stopped State = iota
	Starting
	Running
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Update is broadcast whenever steps are credited.
type Update struct {
	Delta      int64     `json:"delta"`
	DailyTotal int64     `json:"dailyTotal"`
	At         time.Time `json:"at"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session credits positive pedometer deltas to a durable daily total.
// The baseline lives only in memory; the daily total survives restarts.
type Session struct {
	pedometer Pedometer
	perms     PermissionChecker
	notifier  Notifier
	repo      *state.Repository
	stepLog   logbook.StepLog

	flushInterval time.Duration
	now           func() time.Time
	logger        *log.Logger

	mu          sync.Mutex
	state       State
	baseline    int64
	hasBaseline bool
	dailyTotal  int64
	day         string
	dayAt       time.Time
	logged      int64
	lastFlush   time.Time
	cancel      context.CancelFunc
	done        chan struct{}

	flushMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]func(Update)
	nextID      int
}

// NewSession wires the collaborators of a step session.
func NewSession(pedometer Pedometer, perms PermissionChecker, notifier Notifier, repo *state.Repository, stepLog logbook.StepLog, opts ...Option) *Session {
	s := &Session{
		pedometer:     pedometer,
		perms:         perms,
		notifier:      notifier,
		repo:          repo,
		stepLog:       stepLog,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
		logger:        log.New(log.Writer(), "[steps] ", log.LstdFlags|log.Lshortfile),
		listeners:     make(map[int]func(Update)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DailyTotal returns the steps credited today.
func (s *Session) DailyTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyTotal
}

// AddListener registers fn for credited-step updates and returns its remover.
func (s *Session) AddListener(fn func(Update)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Start subscribes to the pedometer. A denied permission shows a prompt,
// leaves the session stopped and returns domain.ErrPermissionDenied. An
// unreachable pedometer does the same with domain.ErrBackendUnavailable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = Starting
	s.mu.Unlock()

	if err := s.ensurePermission(ctx); err != nil {
		s.setState(Stopped)
		return err
	}
	if err := s.restore(ctx); err != nil {
		s.setState(Stopped)
		return err
	}
	stream, err := s.pedometer.Open(ctx)
	if err != nil {
		s.setState(Stopped)
		s.logger.Printf("pedometer unavailable: %v", err)
		s.prompt(ctx, "Step counting is unavailable: the pedometer could not be reached.")
		return fmt.Errorf("%w: pedometer: %v", domain.ErrBackendUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.hasBaseline = false
	s.state = Running
	s.mu.Unlock()

	go s.run(runCtx, stream, done)
	s.logger.Printf("step session running, daily total %d", s.DailyTotal())
	return nil
}

// Stop cancels the subscription and flush timer, then flushes once more.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	err := s.Flush(ctx)
	s.setState(Stopped)
	return err
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) ensurePermission(ctx context.Context) error {
	granted, err := s.perms.CheckActivityRecognition(ctx)
	if err != nil {
		s.logger.Printf("permission check failed: %v", err)
	}
	if !granted {
		granted, err = s.perms.RequestActivityRecognition(ctx)
		if err != nil {
			s.logger.Printf("permission request failed: %v", err)
		}
	}
	if granted {
		return nil
	}
	s.prompt(ctx, "Step counting needs the physical activity permission. Enable it in system settings to track steps.")
	return fmt.Errorf("%w: activity recognition", domain.ErrPermissionDenied)
}

func (s *Session) restore(ctx context.Context) error {
	today := domain.DateKey(s.now())
	st, err := s.repo.StepState(ctx)
	if err != nil {
		return err
	}
	logged, err := s.stepLog.GetStepsForDate(ctx, s.now())
	if err != nil {
		s.logger.Printf("step log unavailable, assuming nothing logged: %v", err)
		logged = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = today
	s.dayAt = s.now()
	s.dailyTotal = 0
	if st.Date == today {
		s.dailyTotal = st.DailyTotal
	}
	s.logged = logged
	return nil
}

func (s *Session) run(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)
	defer stream.Close()

	readings := make(chan Reading, 16)
	streamDone := make(chan error, 1)
	go func() {
		for {
			r, err := stream.Next(ctx)
			if err != nil {
				streamDone <- err
				return
			}
			select {
			case readings <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-readings:
			s.HandleReading(ctx, r)
		case err := <-streamDone:
			if ctx.Err() != nil {
				return
			}
			s.drain(ctx, readings)
			s.streamLost(ctx, done, err)
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Printf("flush failed: %v", err)
			}
		}
	}
}

// drain applies readings the stream delivered before it ended.
func (s *Session) drain(ctx context.Context, readings <-chan Reading) {
	for {
		select {
		case r := <-readings:
			s.HandleReading(ctx, r)
		default:
			return
		}
	}
}

// streamLost stops the session after the pedometer stream ends on its own.
// A concurrent Stop that already claimed the run owns the state change.
func (s *Session) streamLost(ctx context.Context, done chan struct{}, err error) {
	if errors.Is(err, io.EOF) {
		s.logger.Printf("pedometer stream closed")
	} else {
		s.logger.Printf("pedometer stream failed: %v", err)
	}
	if ferr := s.Flush(ctx); ferr != nil {
		s.logger.Printf("flush failed: %v", ferr)
	}

	s.mu.Lock()
	owned := s.done == done
	if owned {
		s.cancel()
		s.cancel, s.done = nil, nil
		s.state = Stopped
	}
	s.mu.Unlock()

	if owned {
		s.prompt(context.WithoutCancel(ctx), "Step counting stopped: the pedometer stream was lost.")
	}
}

func (s *Session) prompt(ctx context.Context, text string) {
	if err := s.notifier.Prompt(ctx, text); err != nil {
		s.logger.Printf("prompt failed: %v", err)
	}
}

// HandleReading applies one cumulative reading. The first reading only sets
// the baseline; a reading below the baseline re-bases without crediting.
func (s *Session) HandleReading(ctx context.Context, r Reading) {
	at := r.At
	if at.IsZero() {
		at = s.now()
	}

	s.rollover(ctx, at)

	s.mu.Lock()
	if !s.hasBaseline {
		s.baseline = r.Steps
		s.hasBaseline = true
		s.mu.Unlock()
		return
	}
	if r.Steps < s.baseline {
		s.logger.Printf("pedometer reset (%d < %d), re-basing", r.Steps, s.baseline)
		s.baseline = r.Steps
		s.mu.Unlock()
		return
	}
	delta := r.Steps - s.baseline
	s.baseline = r.Steps
	if delta == 0 {
		s.mu.Unlock()
		return
	}
	s.dailyTotal += delta
	snapshot := state.StepState{DailyTotal: s.dailyTotal, Date: s.day}
	s.mu.Unlock()

	if err := s.repo.SaveStepState(ctx, snapshot); err != nil {
		s.logger.Printf("persist step total: %v", err)
	}
	observability.RecordStepsCredited(delta, snapshot.DailyTotal)
	s.broadcast(Update{Delta: delta, DailyTotal: snapshot.DailyTotal, At: at})
}

// rollover starts a new day when at falls past the current one. Steps the
// step log has not seen yet are credited to the day they were counted on.
func (s *Session) rollover(ctx context.Context, at time.Time) {
	day := domain.DateKey(at)
	s.mu.Lock()
	same := day == s.day
	s.mu.Unlock()
	if same {
		return
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if day == s.day {
		s.mu.Unlock()
		return
	}
	prevAt, pending := s.dayAt, s.dailyTotal-s.logged
	s.day, s.dayAt = day, at
	s.dailyTotal, s.logged = 0, 0
	s.mu.Unlock()

	if pending <= 0 || prevAt.IsZero() {
		return
	}
	if err := s.stepLog.AddSteps(ctx, prevAt, pending); err != nil {
		s.logger.Printf("day rollover lost %d steps for %s: %v", pending, domain.DateKey(prevAt), err)
	}
}

// Flush pushes the part of the daily total the step log has not seen yet and
// refreshes the status notification.
func (s *Session) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	total, logged, day := s.dailyTotal, s.logged, s.dayAt
	s.mu.Unlock()
	if day.IsZero() {
		day = s.now()
	}

	if diff := total - logged; diff > 0 {
		if err := s.stepLog.AddSteps(ctx, day, diff); err != nil {
			return err
		}
		s.mu.Lock()
		if s.logged == logged {
			s.logged = total
		}
		s.mu.Unlock()
	}

	if err := s.notifier.Status(ctx, fmt.Sprintf("%d steps today", total)); err != nil {
		s.logger.Printf("status notification failed: %v", err)
	}

	s.mu.Lock()
	s.lastFlush = s.now()
	s.mu.Unlock()
	return nil
}

// LastFlush returns when the daily total was last flushed.
func (s *Session) LastFlush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

func (s *Session) broadcast(u Update) {
	s.listenersMu.RLock()
	fns := make([]func(Update), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Printf("step listener panicked: %v", r)
				}
			}()
			fn(u)
		}()
	}
}
