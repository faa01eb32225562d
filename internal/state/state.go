// Package state exposes typed access to the sync state held in the key-value store.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/kv"
)

// Repository reads and writes settings, connection status and sync timestamps.
type Repository struct {
	store  kv.Store
	logger *log.Logger
}

// NewRepository wraps store.
func NewRepository(store kv.Store, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.Default()
	}
	return &Repository{store: store, logger: logger}
}

// Settings loads the persisted settings merged over the defaults. A corrupt blob
// is logged and replaced by the defaults.
func (r *Repository) Settings(ctx context.Context) (domain.SyncSettings, error) {
	raw, ok, err := r.store.Get(ctx, kv.KeySettings)
	if err != nil {
		return domain.DefaultSyncSettings(), fmt.Errorf("%w: load settings: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return domain.DefaultSyncSettings(), nil
	}
	settings, err := domain.MergeSettings([]byte(raw))
	if err != nil {
		r.logger.Printf("settings blob unreadable, using defaults: %v", err)
	}
	return settings, nil
}

// SaveSettings persists the full settings blob.
func (r *Repository) SaveSettings(ctx context.Context, settings domain.SyncSettings) error {
	return r.putJSON(ctx, kv.KeySettings, settings)
}

// UpdateSettings applies patch to the stored settings and persists the result.
func (r *Repository) UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.SyncSettings, error) {
	current, err := r.Settings(ctx)
	if err != nil {
		return current, err
	}
	updated := patch.Apply(current)
	if err := r.SaveSettings(ctx, updated); err != nil {
		return current, err
	}
	return updated, nil
}

// ConnectionStatus loads the last persisted status. ok is false if none exists.
func (r *Repository) ConnectionStatus(ctx context.Context) (domain.ConnectionStatus, bool, error) {
	var status domain.ConnectionStatus
	ok, err := r.getJSON(ctx, kv.KeyConnectionStatus, &status)
	if err != nil || !ok {
		return domain.ConnectionStatus{}, false, err
	}
	status.Connected = len(status.GrantedPermissions) > 0
	return status, true, nil
}

// SaveConnectionStatus persists status.
func (r *Repository) SaveConnectionStatus(ctx context.Context, status domain.ConnectionStatus) error {
	status.Connected = len(status.GrantedPermissions) > 0
	return r.putJSON(ctx, kv.KeyConnectionStatus, status)
}

// LastSyncTime returns the last successful foreground or background sync.
func (r *Repository) LastSyncTime(ctx context.Context) (*time.Time, error) {
	return r.getTime(ctx, kv.KeyLastSyncTime)
}

// SetLastSyncTime records ts as the last sync.
func (r *Repository) SetLastSyncTime(ctx context.Context, ts time.Time) error {
	return r.putTime(ctx, kv.KeyLastSyncTime, ts)
}

// LastBackgroundSyncTime returns the last completed background run.
func (r *Repository) LastBackgroundSyncTime(ctx context.Context) (*time.Time, error) {
	return r.getTime(ctx, kv.KeyLastBackgroundSync)
}

// SetLastBackgroundSyncTime records ts as the last background run.
func (r *Repository) SetLastBackgroundSyncTime(ctx context.Context, ts time.Time) error {
	return r.putTime(ctx, kv.KeyLastBackgroundSync, ts)
}

// StepState is the durable part of the step session.
type StepState struct {
	DailyTotal int64
	Date       string
}

// StepState loads the persisted daily step total and the day it belongs to.
func (r *Repository) StepState(ctx context.Context) (StepState, error) {
	var out StepState
	raw, ok, err := r.store.Get(ctx, kv.KeyLastStepCount)
	if err != nil {
		return out, fmt.Errorf("%w: load step count: %v", domain.ErrPersistence, err)
	}
	if ok {
		total, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			r.logger.Printf("step count %q unreadable, resetting: %v", raw, convErr)
		} else {
			out.DailyTotal = total
		}
	}
	date, _, err := r.store.Get(ctx, kv.KeyLastResetDate)
	if err != nil {
		return out, fmt.Errorf("%w: load reset date: %v", domain.ErrPersistence, err)
	}
	out.Date = date
	return out, nil
}

// SaveStepState persists the daily total together with its day.
func (r *Repository) SaveStepState(ctx context.Context, st StepState) error {
	if err := r.store.Set(ctx, kv.KeyLastStepCount, strconv.FormatInt(st.DailyTotal, 10)); err != nil {
		return fmt.Errorf("%w: save step count: %v", domain.ErrPersistence, err)
	}
	if err := r.store.Set(ctx, kv.KeyLastResetDate, st.Date); err != nil {
		return fmt.Errorf("%w: save reset date: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (r *Repository) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: load %s: %v", domain.ErrPersistence, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", domain.ErrConversion, key, err)
	}
	return true, nil
}

func (r *Repository) putJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrConversion, key, err)
	}
	if err := r.store.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("%w: save %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}

func (r *Repository) getTime(ctx context.Context, key string) (*time.Time, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrPersistence, key, err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConversion, key, err)
	}
	return &ts, nil
}

func (r *Repository) putTime(ctx context.Context, key string, ts time.Time) error {
	if err := r.store.Set(ctx, key, ts.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: save %s: %v", domain.ErrPersistence, key, err)
	}
	return nil
}
