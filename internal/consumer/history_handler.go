package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/history"
)

// HistoryHandler projects sync and workout events into a history.Store.
type HistoryHandler struct {
	store     history.Store
	validator *events.Validator
}

// NewHistoryHandler builds a handler. validator may be nil to skip schema checks.
func NewHistoryHandler(store history.Store, validator *events.Validator) *HistoryHandler {
	return &HistoryHandler{store: store, validator: validator}
}

// Handle ignores event types it does not know.
func (h *HistoryHandler) Handle(ctx context.Context, msg Message) error {
	eventType := msg.Headers[events.HeaderEventType]
	switch eventType {
	case events.TypeSyncCompleted, events.TypeWorkoutImported:
	default:
		return nil
	}
	if h.validator != nil {
		if err := h.validator.Validate(eventType, msg.Payload); err != nil {
			return err
		}
	}

	if eventType == events.TypeWorkoutImported {
		return h.handleWorkout(ctx, msg)
	}
	return h.handleSync(ctx, msg)
}

func (h *HistoryHandler) handleSync(ctx context.Context, msg Message) error {
	var evt events.SyncCompleted
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return err
	}
	if !evt.Success {
		return nil
	}
	day, err := time.Parse("2006-01-02", evt.Date)
	if err != nil {
		return fmt.Errorf("sync event %s: bad date %q: %w", evt.EventID, evt.Date, err)
	}

	recordedAt := evt.OccurredAt
	if recordedAt.IsZero() {
		recordedAt = msg.Timestamp
	}
	rows := make([]history.DailyMetric, 0, len(evt.Metrics))
	for _, m := range evt.Metrics {
		rows = append(rows, history.DailyMetric{
			Date:          day,
			MetricType:    m.MetricType,
			Value:         m.Value,
			Unit:          m.Unit,
			PrimarySource: m.PrimarySource,
			SampleCount:   m.SampleCount,
			RecordedAt:    recordedAt,
		})
	}
	return h.store.RecordDailyMetrics(ctx, rows)
}

func (h *HistoryHandler) handleWorkout(ctx context.Context, msg Message) error {
	var evt events.WorkoutImported
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return err
	}
	recordedAt := evt.OccurredAt
	if recordedAt.IsZero() {
		recordedAt = msg.Timestamp
	}
	return h.store.RecordWorkout(ctx, history.Workout{
		ExerciseID:  evt.ExerciseID,
		WorkoutType: evt.WorkoutType,
		StartedAt:   evt.StartedAt,
		DurationMin: evt.DurationMin,
		Calories:    evt.Calories,
		Source:      evt.Source,
		RecordedAt:  recordedAt,
	})
}
