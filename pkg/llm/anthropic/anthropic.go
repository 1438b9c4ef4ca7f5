// Package anthropic implements llm.Client using the Anthropic Messages API.
package anthropic

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/internal/metrics"
	"github.com/jxucoder/pveprov/pkg/llm"
)

const (
	DefaultModel   = "claude-sonnet-4-20250514"
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client implements llm.Client using the Anthropic Messages API.
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

// WithBaseURL points the client at another endpoint.
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.client = hc } }

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option { return func(c *Client) { c.temperature = &t } }

// New creates a client for the Anthropic API.
// Model defaults to "claude-sonnet-4-20250514" if empty.
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
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	reqBody := map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	}
	if c.temperature != nil {
		reqBody["temperature"] = *c.temperature
	}

	metrics.IncLLMRequest("anthropic", c.model)
	err := llm.DoJSON(ctx, c.client, http.MethodPost, c.baseURL+"/messages",
		map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         c.apiKey,
			"anthropic-version": apiVersion,
		},
		reqBody, &result)
	if err != nil {
		metrics.IncError("llm", "anthropic")
		return "", errors.Wrap(err, "anthropic API")
	}

	for _, block := range result.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("no text content in response")
}
