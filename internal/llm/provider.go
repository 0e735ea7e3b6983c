package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrRateLimited    = errors.New("llm rate limited")
	ErrQuotaExhausted = errors.New("llm quota exhausted")
)

type Message struct {
	Role    string
	Content string
}

type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	// JSON asks the provider for a single JSON object reply.
	JSON bool
}

type Response struct {
	Content string
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

type Config struct {
	Provider         string
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	Timeout          time.Duration
}

func NewProvider(cfg Config) (Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(client, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	case "claude":
		return NewClaudeProvider(client, cfg.AnthropicBaseURL, cfg.AnthropicAPIKey), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusPaymentRequired:
		return ErrQuotaExhausted
	case e.Code == http.StatusTooManyRequests && mentionsQuota(e.Body):
		return ErrQuotaExhausted
	case e.Code == http.StatusForbidden && mentionsQuota(e.Body):
		return ErrQuotaExhausted
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return nil
	}
}

func mentionsQuota(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "insufficient_quota") || strings.Contains(b, "quota") || strings.Contains(b, "credit balance")
}

func statusError(provider string, code int, body []byte) error {
	return &StatusError{Provider: provider, Code: code, Body: strings.TrimSpace(string(body))}
}
