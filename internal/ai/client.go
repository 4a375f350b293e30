// Package ai wraps the chat-completion vendor behind a small client with
// status-aware retries. Callers get either a decoded JSON payload or the raw
// completion text; classification of what is worth retrying lives here.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/story-loom/pipeline/internal/config"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"

	maxResponseBytes = 4 << 20
)

// Client is the chat-completion surface the orchestrator depends on.
type Client interface {
	CreateChatCompletion(ctx context.Context, params ChatParams) (*Completion, error)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatParams struct {
	Model          string
	Messages       []Message
	Temperature    float64
	MaxTokens      int
	ResponseFormat string
}

// Completion carries the first choice of a chat response. Data holds the
// decoded JSON when the content parses, otherwise the raw string.
type Completion struct {
	Data  any
	Raw   string
	Usage Usage
}

// Usage totals for one completion. Vendors disagree on casing, so decoding
// accepts both snake_case and camelCase field names.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw struct {
		PromptTokens          *int `json:"prompt_tokens"`
		CompletionTokens      *int `json:"completion_tokens"`
		TotalTokens           *int `json:"total_tokens"`
		PromptTokensCamel     *int `json:"promptTokens"`
		CompletionTokensCamel *int `json:"completionTokens"`
		TotalTokensCamel      *int `json:"totalTokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.PromptTokens = pickInt(raw.PromptTokens, raw.PromptTokensCamel)
	u.CompletionTokens = pickInt(raw.CompletionTokens, raw.CompletionTokensCamel)
	u.TotalTokens = pickInt(raw.TotalTokens, raw.TotalTokensCamel)
	return nil
}

func pickInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

// APIError is a non-2xx response from the vendor.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("ai api error: status %d: %s", e.StatusCode, body)
}

// Retriable reports whether another attempt could plausibly succeed: server
// errors and rate limits, nothing else.
func (e *APIError) Retriable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPStatus returns the vendor status code carried anywhere in err's chain,
// or 0 when there is none.
func HTTPStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// errBadPayload marks a 2xx response whose body we could not use. Retrying
// would replay the same cost for the same answer, so it is permanent.
var errBadPayload = errors.New("malformed completion payload")

type httpClient struct {
	apiKey      string
	baseURL     string
	model       string
	maxRetries  int
	backoffBase time.Duration
	http        *http.Client
}

// New builds the production client from config.
func New(cfg *config.Config) Client {
	return &httpClient{
		apiKey:      cfg.OpenAIAPIKey,
		baseURL:     strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		model:       cfg.OpenAIModel,
		maxRetries:  cfg.AIMaxRetries,
		backoffBase: cfg.WorkerBackoffBase,
		http:        &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *httpClient) CreateChatCompletion(ctx context.Context, params ChatParams) (*Completion, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoffBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	var retries uint64
	if c.maxRetries > 1 {
		retries = uint64(c.maxRetries - 1)
	}

	start := time.Now()
	attempt := 0
	op := func() (*Completion, error) {
		attempt++
		comp, err := c.once(ctx, params)
		if err == nil {
			return comp, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retriable() {
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, errBadPayload) {
			return nil, backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("model", params.Model).Msg("Chat completion attempt failed")
		return nil, err
	}
	comp, err := backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(expo, retries), ctx))
	if err != nil {
		log.Error().Err(err).Int("attempts", attempt).Msg("Chat completion failed")
		return nil, err
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("attempts", attempt).
		Int("prompt_tokens", comp.Usage.PromptTokens).
		Int("completion_tokens", comp.Usage.CompletionTokens).
		Int("total_tokens", comp.Usage.TotalTokens).
		Msg("Chat completion finished")
	return comp, nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *httpClient) once(ctx context.Context, params ChatParams) (*Completion, error) {
	reqBody := chatRequest{
		Model:       params.Model,
		Messages:    params.Messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	if reqBody.Model == "" {
		reqBody.Model = c.model
	}
	if params.ResponseFormat != "" {
		reqBody.ResponseFormat = &responseFormat{Type: params.ResponseFormat}
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", errBadPayload)
	}

	content := decoded.Choices[0].Message.Content
	comp := &Completion{Raw: content, Usage: decoded.Usage}
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		comp.Data = parsed
	} else {
		comp.Data = content
	}
	return comp, nil
}
