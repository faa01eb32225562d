// Package autoexport serves HealthKit data from a directory of Health Auto Export
// JSON files. It implements provider.HealthKitBridge so the HealthKit variant can
// run on hosts without native HealthKit access.
package autoexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"example.com/healthsync/internal/provider"
)

const kilojoulesPerKilocalorie = 4.184

var metricTypes = map[string]string{
	"step_count":               provider.HKStepCount,
	"heart_rate":               provider.HKHeartRate,
	"active_energy":            provider.HKActiveEnergyBurned,
	"walking_running_distance": provider.HKDistanceWalkingRun,
	"sleep_analysis":           provider.HKSleepAnalysis,
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithSampleSpan sets the interval assumed for samples that only carry a date.
func WithSampleSpan(d time.Duration) Option {
	return func(b *Bridge) { b.span = d }
}

// Bridge reads export files lazily and caches the parsed result until the
// directory changes.
type Bridge struct {
	dir    string
	span   time.Duration
	logger *log.Logger

	mu    sync.Mutex
	cache *snapshot
}

type snapshot struct {
	samples  map[string][]provider.HKSample
	workouts []provider.HKWorkout
}

var _ provider.HealthKitBridge = (*Bridge)(nil)

// New constructs a Bridge over dir.
func New(dir string, opts ...Option) *Bridge {
	b := &Bridge{
		dir:    dir,
		span:   time.Minute,
		logger: log.New(log.Writer(), "[autoexport] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Watch invalidates the cache whenever a file in the directory changes. It
// blocks until ctx is cancelled.
func (b *Bridge) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.dir); err != nil {
		return fmt.Errorf("watch %s: %w", b.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				b.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Printf("watch error: %v", err)
		}
	}
}

// Invalidate drops the cached snapshot.
func (b *Bridge) Invalidate() {
	b.mu.Lock()
	b.cache = nil
	b.mu.Unlock()
}

func (b *Bridge) IsHealthDataAvailable() bool {
	info, err := os.Stat(b.dir)
	return err == nil && info.IsDir()
}

// RequestAuthorization grants every requested type; exporting the files is the consent.
func (b *Bridge) RequestAuthorization(readTypes []string, done func([]string, error)) {
	if !b.IsHealthDataAvailable() {
		go done(nil, fmt.Errorf("export directory %s missing", b.dir))
		return
	}
	granted := append([]string(nil), readTypes...)
	go done(granted, nil)
}

func (b *Bridge) QueryQuantitySamples(typeID string, start, end time.Time, done func([]provider.HKSample, error)) {
	go func() {
		snap, err := b.load()
		if err != nil {
			done(nil, err)
			return
		}
		done(filterSamples(snap.samples[typeID], start, end), nil)
	}()
}

func (b *Bridge) QueryCategorySamples(typeID string, start, end time.Time, done func([]provider.HKSample, error)) {
	b.QueryQuantitySamples(typeID, start, end, done)
}

func (b *Bridge) QueryWorkouts(start, end time.Time, done func([]provider.HKWorkout, error)) {
	go func() {
		snap, err := b.load()
		if err != nil {
			done(nil, err)
			return
		}
		out := make([]provider.HKWorkout, 0)
		for _, w := range snap.workouts {
			if !w.Start.Before(start) && w.Start.Before(end) {
				out = append(out, w)
			}
		}
		done(out, nil)
	}()
}

func filterSamples(samples []provider.HKSample, start, end time.Time) []provider.HKSample {
	out := make([]provider.HKSample, 0, len(samples))
	for _, s := range samples {
		if !s.Start.Before(start) && s.Start.Before(end) {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bridge) load() (*snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache != nil {
		return b.cache, nil
	}

	files, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	snap := &snapshot{samples: make(map[string][]provider.HKSample)}
	var errs []error
	for _, path := range files {
		if err := b.loadFile(path, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if len(files) > 0 && len(errs) == len(files) {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		b.logger.Printf("skipping export: %v", err)
	}
	b.cache = snap
	return snap, nil
}

func (b *Bridge) loadFile(path string, snap *snapshot) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var export Export
	if err := json.Unmarshal(raw, &export); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, metric := range export.Data.Metrics {
		typeID, ok := metricTypes[metric.Name]
		if !ok {
			continue
		}
		for _, sample := range metric.Data {
			if s, ok := b.convertSample(typeID, metric.Units, sample); ok {
				snap.samples[typeID] = append(snap.samples[typeID], s)
			}
		}
	}
	for _, w := range export.Data.Workouts {
		snap.workouts = append(snap.workouts, convertWorkout(w))
	}
	return nil
}

func (b *Bridge) convertSample(typeID, units string, s Sample) (provider.HKSample, bool) {
	out := provider.HKSample{TypeID: typeID, Unit: units, SourceName: s.Source}
	switch typeID {
	case provider.HKSleepAnalysis:
		start, end := s.SleepStart.Time(), s.SleepEnd.Time()
		if start.IsZero() || end.IsZero() {
			start = s.Date.Time()
			end = start.Add(time.Duration(s.Asleep * float64(time.Hour)))
		}
		if start.IsZero() || !end.After(start) {
			return out, false
		}
		out.Start, out.End = start, end
		out.Value = 1
		out.Unit = "min"
		return out, true
	case provider.HKHeartRate:
		out.Value = s.Avg
		if out.Value == 0 {
			out.Value = s.Qty
		}
		out.Unit = "bpm"
	case provider.HKActiveEnergyBurned:
		out.Value = s.Qty
		if strings.EqualFold(units, "kJ") {
			out.Value = s.Qty / kilojoulesPerKilocalorie
		}
		out.Unit = "kcal"
	default:
		out.Value = s.Qty
	}
	start := s.Date.Time()
	if start.IsZero() {
		return out, false
	}
	out.Start, out.End = start, start.Add(b.span)
	return out, true
}

func convertWorkout(w Workout) provider.HKWorkout {
	out := provider.HKWorkout{
		ActivityType:    w.Name,
		Start:           w.Start.Time(),
		End:             w.End.Time(),
		DurationSeconds: w.Duration,
		SourceName:      w.Source,
	}
	if out.SourceName == "" {
		out.SourceName = "Health Auto Export"
	}
	if w.ActiveEnergy != nil {
		out.TotalEnergyBurned = w.ActiveEnergy.Qty
		if strings.EqualFold(w.ActiveEnergy.Units, "kJ") {
			out.TotalEnergyBurned /= kilojoulesPerKilocalorie
		}
	}
	if w.Distance != nil {
		meters := w.Distance.Qty
		switch strings.ToLower(w.Distance.Units) {
		case "km":
			meters *= 1000
		case "mi":
			meters *= 1609.344
		}
		out.TotalDistance = &meters
	}
	return out
}
