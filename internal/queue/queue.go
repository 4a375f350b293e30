package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/story-loom/pipeline/internal/config"
)

// Queue carries job references between the dispatch side and the worker. All
// truth lives in the job store; a queue message is only a hint to go claim.
type Queue interface {
	// Push appends messages to the list. Returns how many made it to the
	// broker before the first failure.
	Push(ctx context.Context, messages ...string) (int, error)
	// Pop blocks up to timeout for one message. Returns "" when none arrived.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Close() error
}

// Envelope is the minimal JSON blob placed on the queue.
type Envelope struct {
	JobID     string `json:"jobId"`
	Timestamp int64  `json:"timestamp"`
}

// NewEnvelope encodes a job reference as a single-line JSON string.
func NewEnvelope(jobID string) string {
	data, _ := json.Marshal(Envelope{JobID: jobID, Timestamp: time.Now().UnixMilli()})
	return string(data)
}

// ParseEnvelope decodes a queue message.
func ParseEnvelope(s string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.JobID == "" {
		return nil, fmt.Errorf("parse envelope: missing jobId")
	}
	return &env, nil
}

// New selects the queue variant once at startup: list broker when a Redis URL
// is configured, REST push fallback when only the REST pair is, otherwise a
// no-op that lets the process boot without side effects.
func New(cfg *config.Config) (Queue, error) {
	switch {
	case cfg.UpstashRedisURL != "":
		q, err := newRedisQueue(cfg.UpstashRedisURL, cfg.QueueName)
		if err != nil {
			return nil, err
		}
		log.Info().Str("queue", cfg.QueueName).Msg("Queue adapter: Redis list broker")
		return q, nil
	case cfg.UpstashRestURL != "" && cfg.UpstashRestToken != "":
		log.Info().Str("queue", cfg.QueueName).Str("endpoint", cfg.UpstashRestURL).Msg("Queue adapter: REST push fallback")
		return newRESTQueue(cfg.UpstashRestURL, cfg.UpstashRestToken, cfg.QueueName), nil
	default:
		log.Warn().Msg("Queue adapter: not configured, using no-op")
		return noopQueue{}, nil
	}
}
