// Package events publishes pipeline lifecycle events to Kafka. The stream is
// optional; with no brokers configured every publish is a no-op so callers
// never need to branch.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/story-loom/pipeline/internal/config"
)

// Event names carried in the stream.
const (
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventStoryPersisted = "story.persisted"
)

// PipelineEvent is the wire shape of one lifecycle event.
type PipelineEvent struct {
	Event      string     `json:"event"`
	JobID      *uuid.UUID `json:"job_id,omitempty"`
	StoryID    string     `json:"story_id,omitempty"`
	JobType    string     `json:"job_type,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Producer writes lifecycle events. A nil Producer is valid and silently
// drops everything.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

// NewProducer returns nil when no brokers are configured.
func NewProducer(cfg *config.Config) *Producer {
	if len(cfg.KafkaBrokers) == 0 {
		log.Info().Msg("Kafka brokers not configured, event stream disabled")
		return nil
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopicEvents,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("topic", cfg.KafkaTopicEvents).
		Msg("Kafka event producer initialized")

	return &Producer{writer: writer, topic: cfg.KafkaTopicEvents}
}

// JobCompleted announces a finished generation job.
func (p *Producer) JobCompleted(ctx context.Context, jobID uuid.UUID, jobType string) {
	p.publish(ctx, PipelineEvent{
		Event:   EventJobCompleted,
		JobID:   &jobID,
		JobType: jobType,
	})
}

// JobFailed announces a permanently failed generation job.
func (p *Producer) JobFailed(ctx context.Context, jobID uuid.UUID, jobType, reason string) {
	p.publish(ctx, PipelineEvent{
		Event:   EventJobFailed,
		JobID:   &jobID,
		JobType: jobType,
		Reason:  reason,
	})
}

// StoryPersisted announces a committed story bundle.
func (p *Producer) StoryPersisted(ctx context.Context, storyID string, mediaJobs int) {
	p.publish(ctx, PipelineEvent{
		Event:   EventStoryPersisted,
		StoryID: storyID,
		Reason:  fmt.Sprintf("%d media jobs queued", mediaJobs),
	})
}

// publish is fire-and-forget: event loss is logged, never propagated, so the
// pipeline cannot fail on a flaky broker.
func (p *Producer) publish(ctx context.Context, ev PipelineEvent) {
	if p == nil {
		return
	}
	ev.OccurredAt = time.Now().UTC()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Event).Msg("Failed to marshal pipeline event")
		return
	}

	key := ev.StoryID
	if ev.JobID != nil {
		key = ev.JobID.String()
	}
	msg := kafka.Message{Key: []byte(key), Value: data}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("event", ev.Event).Str("topic", p.topic).Msg("Failed to publish pipeline event")
		return
	}
	log.Debug().Str("event", ev.Event).Str("key", key).Msg("Pipeline event published")
}

// Close flushes and closes the writer. Safe on nil.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	log.Info().Msg("Closing Kafka event producer")
	return p.writer.Close()
}
