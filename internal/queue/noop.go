package queue

import (
	"context"
	"fmt"
	"time"
)

// noopQueue stands in when no broker is configured so the API can still
// accept requests; pushes fail loudly and pops report an empty queue.
type noopQueue struct{}

func (noopQueue) Push(ctx context.Context, messages ...string) (int, error) {
	return 0, fmt.Errorf("queue not configured")
}

func (noopQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	return "", nil
}

func (noopQueue) Close() error { return nil }
