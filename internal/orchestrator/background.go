package orchestrator

import (
	"context"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/scheduler"
)

// RegisterBackgroundTask schedules RunBackgroundTask at the configured
// interval, never more often than scheduler.MinInterval.
func (o *Orchestrator) RegisterBackgroundTask(ctx context.Context) error {
	if o.scheduler == nil {
		return ErrNoScheduler
	}
	settings, err := o.repo.Settings(ctx)
	if err != nil {
		return err
	}
	interval := scheduler.ClampInterval(time.Duration(settings.SyncIntervalMinutes) * time.Minute)
	if err := o.scheduler.Register(BackgroundTaskName, interval, o.RunBackgroundTask); err != nil {
		return err
	}
	o.mu.Lock()
	o.background = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) UnregisterBackgroundTask(_ context.Context) error {
	if o.scheduler == nil {
		return ErrNoScheduler
	}
	o.mu.Lock()
	o.background = false
	o.mu.Unlock()
	return o.scheduler.Unregister(BackgroundTaskName)
}

// BackgroundRegistered reports whether the background task is scheduled.
func (o *Orchestrator) BackgroundRegistered() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.background
}

// RunBackgroundTask performs one background sync within the time budget. Any
// failure, panic or budget overrun maps to scheduler.Failed.
func (o *Orchestrator) RunBackgroundTask(ctx context.Context) scheduler.Result {
	ctx, cancel := context.WithTimeout(ctx, o.backgroundBudget)
	defer cancel()

	done := make(chan scheduler.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Printf("background task panicked: %v", r)
				done <- scheduler.Failed
			}
		}()
		done <- o.backgroundSync(ctx)
	}()

	var result scheduler.Result
	select {
	case result = <-done:
	case <-ctx.Done():
		o.logger.Printf("background task exceeded %s budget", o.backgroundBudget)
		result = scheduler.Failed
	}

	if result != scheduler.Failed {
		if err := o.repo.SetLastBackgroundSyncTime(context.WithoutCancel(ctx), o.now()); err != nil {
			o.logger.Printf("persist background sync time: %v", err)
		}
	}
	observability.RecordBackgroundResult(result.String())
	return result
}

func (o *Orchestrator) backgroundSync(ctx context.Context) scheduler.Result {
	if !o.isInitialized() {
		o.Initialize(ctx)
	}
	if !o.connection().Connected {
		return scheduler.NoData
	}

	result := o.PerformSync(ctx)
	if !result.Success {
		o.logger.Printf("background sync failed: %s", result.Error)
		return scheduler.Failed
	}

	imported := o.SyncWorkoutsToExerciseLog(ctx)
	if imported > 0 || hasData(result.Metrics) {
		return scheduler.NewData
	}
	return scheduler.NoData
}

func hasData(metrics map[domain.MetricKind]domain.AggregatedMetric) bool {
	for _, m := range metrics {
		if m.SampleCount > 0 {
			return true
		}
	}
	return false
}

// GetLastBackgroundSyncTime returns when a background task last completed, or nil.
func (o *Orchestrator) GetLastBackgroundSyncTime(ctx context.Context) (*time.Time, error) {
	return o.repo.LastBackgroundSyncTime(ctx)
}
