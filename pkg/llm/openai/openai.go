// Package openai implements llm.Client using the OpenAI Chat Completions API.
package openai

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/internal/metrics"
	"github.com/jxucoder/pveprov/pkg/llm"
)

const (
	DefaultModel   = "gpt-4o"
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Client implements llm.Client using the OpenAI Chat Completions API.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature *float64
	client      *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(c *Client) { c.temperature = &t } }

// New creates a client for the OpenAI API.
// Model defaults to "gpt-4o" if empty.
func New(apiKey, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:    apiKey,
		model:     model,
		baseURL:   DefaultBaseURL,
		maxTokens: 4096,
		client:    &http.Client{Timeout: llm.DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the model name sent with each request.
func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	reqBody := map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	if c.temperature != nil {
		reqBody["temperature"] = *c.temperature
	}

	metrics.IncLLMRequest("openai", c.model)
	err := llm.DoJSON(ctx, c.client, http.MethodPost, c.baseURL+"/chat/completions",
		map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + c.apiKey,
		},
		reqBody, &result)
	if err != nil {
		metrics.IncError("llm", "openai")
		return "", errors.Wrap(err, "openai API")
	}

	if len(result.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
