// Package provider implements the planning oracle clients.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LLMProvider is the interface for LLM API clients.
type LLMProvider interface {
	// Chat sends a completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// DefaultModel returns the configured default model.
	DefaultModel() string
}

// ChatRequest contains the parameters for a chat completion request.
type ChatRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
	// JSON asks the provider to return a single JSON document.
	JSON bool
}

// ChatResponse contains the response from a chat completion request.
type ChatResponse struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage contains token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// APIError is a non-200 answer from a provider API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports whether the error is a quota or rate-limit answer.
func (e *APIError) RateLimited() bool {
	if e.StatusCode == 429 {
		return true
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "resource_exhausted") ||
		strings.Contains(body, "rate limit") ||
		strings.Contains(body, "quota")
}

// Options configures a provider built by New.
type Options struct {
	Provider string
	APIKey   string
	APIBase  string
	Model    string
	Timeout  time.Duration
}

// New builds the provider named by opts.Provider ("gemini" or an
// OpenAI-compatible name).
func New(opts Options) (LLMProvider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "gemini", "google", "":
		p := NewGeminiProvider(opts.APIKey, opts.Model)
		if opts.APIBase != "" {
			p.apiBase = strings.TrimSuffix(opts.APIBase, "/")
		}
		if opts.Timeout > 0 {
			p.httpClient.Timeout = opts.Timeout
		}
		return p, nil
	case "openai", "openrouter", "openai-compatible":
		p := NewOpenAIProvider(opts.APIKey, opts.APIBase, opts.Model)
		if opts.Timeout > 0 {
			p.httpClient.Timeout = opts.Timeout
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
}
