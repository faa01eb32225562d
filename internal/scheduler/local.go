package scheduler

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// LocalOption configures a Local scheduler.
type LocalOption func(*Local)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) LocalOption {
	return func(s *Local) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJitter spreads wakeups by ±ratio of the interval.
func WithJitter(ratio float64) LocalOption {
	return func(s *Local) { s.jitter = ratio }
}

// WithMinInterval lowers the interval floor. Used by tests.
func WithMinInterval(d time.Duration) LocalOption {
	return func(s *Local) { s.minInterval = d }
}

// Local runs registered tasks in-process on jittered timers. Consecutive
// failures stretch the next wakeup, up to eight times the interval.
type Local struct {
	logger      *log.Logger
	jitter      float64
	minInterval time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Scheduler = (*Local)(nil)

// NewLocal constructs an idle scheduler.
func NewLocal(opts ...LocalOption) *Local {
	s := &Local{
		logger:      log.New(log.Writer(), "[scheduler] ", log.LstdFlags),
		jitter:      0.1,
		minInterval: MinInterval,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register replaces any task already registered under name.
func (s *Local) Register(name string, interval time.Duration, task Task) error {
	if interval < s.minInterval {
		interval = s.minInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	previous := s.entries[name]
	s.entries[name] = e
	s.mu.Unlock()
	if previous != nil {
		previous.cancel()
		<-previous.done
	}

	s.wg.Add(1)
	go s.loop(ctx, name, interval, task, e.done)
	s.logger.Printf("registered %s every %s", name, interval)
	return nil
}

func (s *Local) Unregister(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	delete(s.entries, name)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	e.cancel()
	<-e.done
	s.logger.Printf("unregistered %s", name)
	return nil
}

// Registered reports whether name is scheduled.
func (s *Local) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Close cancels every task and waits for running invocations to return.
func (s *Local) Close() {
	s.mu.Lock()
	for name, e := range s.entries {
		e.cancel()
		delete(s.entries, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Local) loop(ctx context.Context, name string, interval time.Duration, task Task, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	failures := 0
	timer := time.NewTimer(s.nextDelay(interval, failures))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			result := task(ctx)
			if result == Failed {
				failures++
			} else {
				failures = 0
			}
			s.logger.Printf("%s finished: %s", name, result)
			timer.Reset(s.nextDelay(interval, failures))
		}
	}
}

func (s *Local) nextDelay(interval time.Duration, failures int) time.Duration {
	backoff := time.Duration(1) << min(failures, 3)
	s.mu.Lock()
	sample := s.rng.Float64()
	s.mu.Unlock()
	return jitteredInterval(interval*backoff, s.jitter, sample)
}

func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = max(0, min(ratio, 1))
	if ratio == 0 {
		return base
	}
	sample = max(0, min(sample, 1))
	factor := 1 + ((sample*2)-1)*ratio
	delay := time.Duration(float64(base) * max(factor, 0))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
