package orchestrator

import (
	"context"
	"time"
)

type foregroundLoop struct {
	cancel           context.CancelFunc
	shutdownComplete chan struct{}
}

// StartForegroundSync starts the in-app timer. The first sync runs immediately
// and every successful tick also imports today's workouts.
// It returns false when auto sync is off or the timer is already running.
func (o *Orchestrator) StartForegroundSync(ctx context.Context) bool {
	settings, err := o.repo.Settings(ctx)
	if err != nil {
		o.logger.Printf("load settings: %v", err)
		return false
	}
	if !settings.Enabled || !settings.AutoSync {
		return false
	}

	o.mu.Lock()
	if o.foreground != nil {
		o.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loop := &foregroundLoop{cancel: cancel, shutdownComplete: make(chan struct{})}
	o.foreground = loop
	o.mu.Unlock()

	go o.runForeground(loopCtx, loop)
	return true
}

// StopForegroundSync cancels the timer. A sync already in flight still
// completes and is broadcast.
func (o *Orchestrator) StopForegroundSync() {
	o.mu.Lock()
	loop := o.foreground
	o.foreground = nil
	o.foregroundParked = false
	o.mu.Unlock()
	if loop == nil {
		return
	}
	loop.cancel()
	<-loop.shutdownComplete
}

// parkForeground stops the timer because settings turned sync off. A parked
// timer comes back when they are turned on again.
func (o *Orchestrator) parkForeground() {
	if !o.ForegroundRunning() {
		return
	}
	o.StopForegroundSync()
	o.mu.Lock()
	o.foregroundParked = true
	o.mu.Unlock()
}

func (o *Orchestrator) resumeForeground(ctx context.Context) {
	o.mu.Lock()
	parked := o.foregroundParked
	o.foregroundParked = false
	o.mu.Unlock()
	if parked {
		o.StartForegroundSync(ctx)
	}
}

// ForegroundRunning reports whether the foreground timer is active.
func (o *Orchestrator) ForegroundRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.foreground != nil
}

func (o *Orchestrator) runForeground(ctx context.Context, loop *foregroundLoop) {
	ticker := time.NewTicker(o.foregroundInterval)
	defer func() {
		ticker.Stop()
		close(loop.shutdownComplete)
	}()

	for {
		result := o.PerformSync(ctx)
		switch {
		case result.Success:
			if n := o.SyncWorkoutsToExerciseLog(ctx); n > 0 {
				o.logger.Printf("foreground sync imported %d workouts", n)
			}
		case ctx.Err() == nil:
			o.logger.Printf("foreground sync failed: %s", result.Error)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
