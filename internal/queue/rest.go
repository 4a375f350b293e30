package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// restQueue pushes over a plain HTTPS endpoint for environments without a
// Redis connection. It is push-only; popping still requires the list broker.
type restQueue struct {
	endpoint string
	token    string
	queue    string
	client   *http.Client
}

type restPushRequest struct {
	Queue    string   `json:"queue,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Command  []string `json:"command,omitempty"`
}

func newRESTQueue(endpoint, token, queueName string) *restQueue {
	return &restQueue{
		endpoint: endpoint,
		token:    token,
		queue:    queueName,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (q *restQueue) Push(ctx context.Context, messages ...string) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	status, body, err := q.post(ctx, restPushRequest{Queue: q.queue, Messages: messages})
	if err != nil {
		status = 0
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return 0, fmt.Errorf("rest push: endpoint rejected credentials (status %d)", status)
	}
	if status >= 200 && status < 300 && !isParseError(body) {
		return len(messages), nil
	}
	// Some brokers only speak raw commands. Retry once in that shape when the
	// first attempt looks like a request-format problem or never got through.
	if isParseError(body) || status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == 0 {
		cmd := append([]string{"RPUSH", q.queue}, messages...)
		status, body, err = q.post(ctx, restPushRequest{Command: cmd})
		if err != nil {
			return 0, fmt.Errorf("rest push (command retry): %w", err)
		}
		if status >= 200 && status < 300 && !isParseError(body) {
			return len(messages), nil
		}
		return 0, fmt.Errorf("rest push (command retry): status %d: %s", status, snippet(body))
	}
	if err != nil {
		return 0, fmt.Errorf("rest push: %w", err)
	}
	return 0, fmt.Errorf("rest push: status %d: %s", status, snippet(body))
}

// Pop is unsupported on the REST fallback; the worker treats it as an always
// empty queue and keeps draining the job store by polling.
func (q *restQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	return "", nil
}

func (q *restQueue) Close() error {
	return nil
}

func (q *restQueue) post(ctx context.Context, payload restPushRequest) (int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+q.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

func isParseError(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "failed to parse") || strings.Contains(lower, "parse error")
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
