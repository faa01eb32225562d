// Package provider adapts the platform health stores behind one capability set.
//
// Exactly one variant is active per process: HealthKit on Apple hosts and
// Health Connect elsewhere. Reads never return errors; failures are logged,
// counted and reported as an empty slice.
package provider

import (
	"context"
	"log"
	"strings"
	"sync"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

// Provider is the capability set shared by both platform variants.
type Provider interface {
	Backend() domain.Backend
	Initialize(ctx context.Context) bool
	RequestPermission(ctx context.Context, kinds []domain.MetricKind) []domain.MetricKind
	ReadSteps(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint
	ReadHeartRate(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint
	ReadActiveCalories(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint
	ReadSleep(ctx context.Context, r domain.TimeRange) []domain.HealthDataPoint
	ReadWorkouts(ctx context.Context, r domain.TimeRange) []domain.WorkoutSession
	NormalizeWorkoutType(raw string) string
	SupportedKinds() []domain.MetricKind
}

// Detect maps a host platform name (runtime.GOOS or an override) to a backend.
func Detect(platform string) domain.Backend {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "ios", "darwin", "healthkit":
		return domain.BackendHealthKit
	default:
		return domain.BackendHealthConnect
	}
}

// Option configures a provider variant.
type Option func(*base)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(b *base) { b.logger = l }
}

type base struct {
	backend domain.Backend
	logger  *log.Logger

	initMu      sync.Mutex
	initialized bool
}

func newBase(backend domain.Backend, opts []Option) base {
	b := base{
		backend: backend,
		logger:  log.New(log.Writer(), "[provider] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// initOnce runs probe until it succeeds once; later calls return true without probing.
func (b *base) initOnce(probe func() bool) bool {
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.initialized {
		return true
	}
	b.initialized = probe()
	return b.initialized
}

func (b *base) softFail(kind domain.MetricKind, err error) {
	b.logger.Printf("%s read %s failed: %v", b.backend, kind, err)
	observability.RecordProviderReadFailure(string(b.backend), string(kind))
}

type callbackResult[T any] struct {
	value T
	err   error
}

// await turns a callback-style platform call into a blocking, cancellable one.
// Only the first callback invocation is observed.
func await[T any](ctx context.Context, start func(done func(T, error))) (T, error) {
	ch := make(chan callbackResult[T], 1)
	var once sync.Once
	start(func(value T, err error) {
		once.Do(func() { ch <- callbackResult[T]{value: value, err: err} })
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		return res.value, res.err
	}
}
