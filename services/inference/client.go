package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is per-request; long because LLM completions are slow
	DefaultTimeout = 120 * time.Second
	// DefaultModel is used when no model is configured
	DefaultModel = "openai-gpt-oss-120b"
	// DefaultMaxTokens bounds a single completion
	DefaultMaxTokens = 4096
)

var (
	// ErrModelUnavailable covers network failures, 5xx responses and empty
	// completions. Transient; callers retry with backoff and then degrade.
	ErrModelUnavailable = errors.New("language model unavailable")
	// ErrRateLimited maps provider 429 responses
	ErrRateLimited = errors.New("language model rate limited")
)

// Completer is the language-model call the generation engine is written
// against: one prompt in, completion text and consumed tokens out.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, int, error)
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *RateLimiter
}

// Config holds configuration for the inference client
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewClient creates a new inference client
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}

	return &Client{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: NewRateLimiter(DefaultRateLimiterConfig()),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// Complete performs a single chat completion. Returns the completion text
// and the total tokens the provider charged for the call.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, int, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.3,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading response: %v", ErrModelUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.limiter.Backoff(2)
		return "", 0, fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("%w: status %d: %s", ErrModelUnavailable, resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", 0, fmt.Errorf("%w: decoding response: %v", ErrModelUnavailable, err)
	}

	if len(result.Choices) == 0 {
		return "", 0, fmt.Errorf("%w: no choices returned", ErrModelUnavailable)
	}

	return result.Choices[0].Message.Content, result.Usage.TotalTokens, nil
}
