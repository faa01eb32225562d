// Package kv provides the string key-value store that holds sync state.
package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Keys persisted by the sync engine.
const (
	KeySettings           = "health_sync_settings"
	KeyLastSyncTime       = "health_last_sync_time"
	KeyConnectionStatus   = "health_connection_status"
	KeySyncedWorkoutIDs   = "health_synced_workout_ids"
	KeyLastStepCount      = "health_last_step_count"
	KeyLastResetDate      = "health_last_reset_date"
	KeyLastBackgroundSync = "health_last_background_sync"
)

// Store is a minimal persistent string map. Get reports whether the key exists.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Closer is implemented by stores holding external resources.
type Closer interface {
	Close() error
}

// Open selects a Store implementation from the DSN scheme:
// memory://, sqlite://<path> or postgres://....
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres kv: %w", err)
		}
		return &poolOwner{PostgresStore: NewPostgresStore(pool), pool: pool}, nil
	default:
		return nil, fmt.Errorf("unsupported kv dsn %q", dsn)
	}
}

type poolOwner struct {
	*PostgresStore
	pool *pgxpool.Pool
}

func (p *poolOwner) Close() error {
	p.pool.Close()
	return nil
}
