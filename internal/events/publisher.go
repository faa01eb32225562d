package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"example.com/healthsync/internal/domain"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// KafkaProducer lazily manages writers per topic.
type KafkaProducer struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages writes msgs to topic, creating a writer on first use.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, ok := p.writers[topic]; ok {
		return writer
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = writer
	return writer
}

// Close releases all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) PublisherOption {
	return func(p *Publisher) {
		if topic != "" {
			p.topic = topic
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// Publisher validates and writes health sync events.
type Publisher struct {
	writer    messageWriter
	validator *Validator
	topic     string
	timeout   time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewPublisher builds a Publisher on writer.
func NewPublisher(writer messageWriter, validator *Validator, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		writer:    writer,
		validator: validator,
		topic:     DefaultTopic,
		timeout:   5 * time.Second,
		logger:    log.New(log.Writer(), "[events] ", log.LstdFlags),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishSyncCompleted emits result keyed by its calendar day.
func (p *Publisher) PublishSyncCompleted(ctx context.Context, result domain.SyncResult) error {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	evt := SyncCompleted{
		EventID:    uuid.NewString(),
		Date:       domain.DateKey(ts),
		Success:    result.Success,
		Error:      result.Error,
		Metrics:    metricValues(result.Metrics),
		OccurredAt: ts.UTC(),
	}
	return p.publish(ctx, TypeSyncCompleted, evt.Date, evt)
}

// PublishWorkoutImported emits an inserted exercise keyed by its id.
func (p *Publisher) PublishWorkoutImported(ctx context.Context, record domain.ExerciseRecord, session domain.WorkoutSession) error {
	evt := WorkoutImported{
		EventID:     uuid.NewString(),
		ExerciseID:  record.ID,
		WorkoutType: record.ExerciseName,
		StartedAt:   record.Date.UTC(),
		DurationMin: record.DurationMinutes,
		Calories:    record.CaloriesBurned,
		Source:      session.Source,
		OccurredAt:  p.now().UTC(),
	}
	return p.publish(ctx, TypeWorkoutImported, record.ID, evt)
}

// OnSync adapts PublishSyncCompleted to a sync listener. Errors are logged.
func (p *Publisher) OnSync(result domain.SyncResult) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishSyncCompleted(ctx, result); err != nil {
		p.logger.Printf("publish sync result: %v", err)
	}
}

// OnWorkoutImported adapts PublishWorkoutImported to an import hook. Errors are logged.
func (p *Publisher) OnWorkoutImported(ctx context.Context, record domain.ExerciseRecord, session domain.WorkoutSession) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.PublishWorkoutImported(ctx, record, session); err != nil {
		p.logger.Printf("publish imported workout %s: %v", record.ID, err)
	}
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	if p.validator != nil {
		if err := p.validator.Validate(eventType, raw); err != nil {
			return err
		}
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: raw,
		Time:  p.now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}
