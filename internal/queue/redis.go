package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisQueue struct {
	client *redis.Client
	queue  string
}

func newRedisQueue(redisURL, queueName string) (*redisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisQueue{client: redis.NewClient(opts), queue: queueName}, nil
}

func (q *redisQueue) Push(ctx context.Context, messages ...string) (int, error) {
	for i, msg := range messages {
		if err := q.client.RPush(ctx, q.queue, msg).Err(); err != nil {
			return i, fmt.Errorf("redis rpush: %w", err)
		}
	}
	return len(messages), nil
}

func (q *redisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis brpop: %w", err)
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("redis brpop: unexpected reply length %d", len(res))
	}
	return res[1], nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
