package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

type captureWriter struct {
	topic string
	msgs  []kafka.Message
	err   error
}

func (w *captureWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.topic = topic
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func newTestPublisher(t *testing.T, w *captureWriter) *Publisher {
	t.Helper()
	validator, err := NewValidator()
	require.NoError(t, err)
	now := time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)
	return NewPublisher(w, validator,
		WithLogger(log.New(io.Discard, "", 0)),
		WithClock(func() time.Time { return now }),
	)
}

func TestPublishSyncCompleted(t *testing.T) {
	w := &captureWriter{}
	pub := newTestPublisher(t, w)

	ts := time.Date(2025, time.March, 3, 11, 30, 0, 0, time.UTC)
	err := pub.PublishSyncCompleted(context.Background(), domain.SyncResult{
		Success:   true,
		Timestamp: ts,
		Metrics: map[domain.MetricKind]domain.AggregatedMetric{
			domain.KindHeartRate: {Kind: domain.KindHeartRate, Value: 71, Unit: "bpm", SampleCount: 12},
			domain.KindSteps:     {Kind: domain.KindSteps, Value: 1200, Unit: "count", PrimarySource: "Apple Watch", SampleCount: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, w.topic)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	require.Equal(t, "2025-03-03", string(msg.Key))
	require.Equal(t, HeaderEventType, msg.Headers[0].Key)
	require.Equal(t, TypeSyncCompleted, string(msg.Headers[0].Value))

	var evt SyncCompleted
	require.NoError(t, json.Unmarshal(msg.Value, &evt))
	require.True(t, evt.Success)
	require.NotEmpty(t, evt.EventID)
	require.Len(t, evt.Metrics, 2)
	require.Equal(t, "steps", evt.Metrics[0].MetricType)
	require.Equal(t, "Apple Watch", evt.Metrics[0].PrimarySource)
	require.Equal(t, "heart_rate", evt.Metrics[1].MetricType)
}

func TestPublishWorkoutImported(t *testing.T) {
	w := &captureWriter{}
	pub := newTestPublisher(t, w)

	start := time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC)
	record := domain.ExerciseRecord{ID: "ex-1", ExerciseName: "Running", CaloriesBurned: 343, DurationMinutes: 30, Date: start}
	require.NoError(t, pub.PublishWorkoutImported(context.Background(), record, domain.WorkoutSession{Source: "Pixel Watch"}))

	require.Len(t, w.msgs, 1)
	require.Equal(t, "ex-1", string(w.msgs[0].Key))
	var evt WorkoutImported
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	require.Equal(t, "Running", evt.WorkoutType)
	require.Equal(t, "Pixel Watch", evt.Source)
	require.True(t, evt.StartedAt.Equal(start))
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	w := &captureWriter{}
	pub := newTestPublisher(t, w)

	err := pub.PublishWorkoutImported(context.Background(), domain.ExerciseRecord{ExerciseName: "Running"}, domain.WorkoutSession{})
	require.Error(t, err)
	require.Empty(t, w.msgs)
}

func TestValidatorUnknownType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	require.Error(t, v.Validate("health.unknown", []byte(`{}`)))
	require.Error(t, v.Validate(TypeSyncCompleted, []byte(`{"event_id":"x"}`)))
}

func TestOnSyncLogsWriteFailure(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	pub := newTestPublisher(t, w)
	require.NotPanics(t, func() {
		pub.OnSync(domain.SyncResult{Success: true, Timestamp: time.Now()})
	})
	require.Empty(t, w.msgs)
}
