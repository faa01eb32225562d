// Package scheduler models the host's background execution facility.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// Result is what a background task reports back to the host scheduler.
type Result int

const (
	NewData Result = iota
	NoData
	Failed
)

func (r Result) String() string {
	switch r {
	case NewData:
		return "new_data"
	case NoData:
		return "no_data"
	default:
		return "failed"
	}
}

// MinInterval is the shortest period a background task may request.
const MinInterval = 15 * time.Minute

// ErrUnknownTask is returned when unregistering a task that was never registered.
var ErrUnknownTask = errors.New("unknown background task")

// Task is invoked by the scheduler at its own discretion.
type Task func(ctx context.Context) Result

// Scheduler registers periodic background tasks.
type Scheduler interface {
	Register(name string, interval time.Duration, task Task) error
	Unregister(name string) error
}

// ClampInterval raises interval to MinInterval.
func ClampInterval(interval time.Duration) time.Duration {
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}
