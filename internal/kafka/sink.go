package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/pkg/retry"
)

// Default topics for the lifecycle event stream.
const (
	TopicTaskEvents = "tasks.events"
	TopicJobEvents  = "jobs.events"
)

// Sink publishes lifecycle events to Kafka: task events on one topic, job
// run events on another, keyed by entity ID so per-entity order is kept
// within a partition. It implements events.Sink.
type Sink struct {
	producer  Producer
	taskTopic string
	jobTopic  string
	logger    *slog.Logger
}

// NewSink wraps a producer as an event sink.
func NewSink(producer Producer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		producer:  producer,
		taskTopic: TopicTaskEvents,
		jobTopic:  TopicJobEvents,
		logger:    logger,
	}
}

// Emit publishes one event, retrying transient broker errors with a short
// exponential backoff before giving up.
func (s *Sink) Emit(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}

	topic := s.taskTopic
	if ev.Run != nil {
		topic = s.jobTopic
	}

	cfg := retry.Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("event publish retry",
				slog.String("topic", topic),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}
	return retry.Do(ctx, cfg, func() error {
		return s.producer.Publish(ctx, topic, ev.Key(), payload)
	})
}
