// Package ledger tracks workout identifiers that were already imported into the exercise log.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/kv"
)

// WorkoutID builds the ledger identifier source|startMillis|type.
func WorkoutID(source string, start time.Time, normalizedType string) string {
	return source + "|" + strconv.FormatInt(start.UnixMilli(), 10) + "|" + normalizedType
}

// startOf extracts the start time encoded in id. Sources may contain '|', so
// the timestamp is taken from the second-to-last field.
func startOf(id string) (time.Time, bool) {
	parts := strings.Split(id, "|")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Ledger is the persisted set of imported workout identifiers.
type Ledger struct {
	store     kv.Store
	retention time.Duration
	now       func() time.Time
	mu        sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention drops entries whose workout started longer ago than d. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// WithClock overrides the time source used for compaction.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs a Ledger on store.
func New(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the persisted identifier set.
func (l *Ledger) Load(ctx context.Context) (map[string]struct{}, error) {
	raw, ok, err := l.store.Get(ctx, kv.KeySyncedWorkoutIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: load ledger: %v", domain.ErrPersistence, err)
	}
	set := make(map[string]struct{})
	if !ok || raw == "" {
		return set, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("%w: decode ledger: %v", domain.ErrConversion, err)
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Append merges ids into the ledger. The persisted set is re-read first so
// concurrent writers never drop each other's entries.
func (l *Ledger) Append(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.Load(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return l.write(ctx, set)
}

// Compact removes expired entries and persists the remainder.
func (l *Ledger) Compact(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.Load(ctx)
	if err != nil {
		return 0, err
	}
	before := len(set)
	if err := l.write(ctx, set); err != nil {
		return 0, err
	}
	return before - len(set), nil
}

// Clear forgets every imported workout.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Remove(ctx, kv.KeySyncedWorkoutIDs); err != nil {
		return fmt.Errorf("%w: clear ledger: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (l *Ledger) write(ctx context.Context, set map[string]struct{}) error {
	l.expire(set)
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("%w: encode ledger: %v", domain.ErrConversion, err)
	}
	if err := l.store.Set(ctx, kv.KeySyncedWorkoutIDs, string(raw)); err != nil {
		return fmt.Errorf("%w: save ledger: %v", domain.ErrPersistence, err)
	}
	return nil
}

// expire keeps identifiers it cannot parse.
func (l *Ledger) expire(set map[string]struct{}) {
	if l.retention <= 0 {
		return
	}
	cutoff := l.now().Add(-l.retention)
	for id := range set {
		if start, ok := startOf(id); ok && start.Before(cutoff) {
			delete(set, id)
		}
	}
}
