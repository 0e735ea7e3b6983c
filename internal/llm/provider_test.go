package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProviderComplete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path=%s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization=%q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hola"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.Client(), srv.URL+"/", "k")
	resp, err := p.Complete(context.Background(), Request{
		Model:    "m",
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "hi"}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hola" {
		t.Fatalf("content=%q, want hola", resp.Content)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("messages=%+v, want system + user", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("response_format=%+v, want json_object", got.ResponseFormat)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want error
	}{
		{name: "rate limited", code: 429, body: `{"error":{"message":"slow down"}}`, want: ErrRateLimited},
		{name: "quota on 429", code: 429, body: `{"error":{"type":"insufficient_quota"}}`, want: ErrQuotaExhausted},
		{name: "payment required", code: 402, body: "", want: ErrQuotaExhausted},
		{name: "server error", code: 500, body: "boom", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIProvider(srv.Client(), srv.URL, "k").Complete(context.Background(), Request{Model: "m"})
			if err == nil {
				t.Fatalf("expected error for status %d", tt.code)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tt.code {
				t.Fatalf("err=%v, want StatusError with code %d", err, tt.code)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			if tt.want == nil && (errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExhausted)) {
				t.Fatalf("err=%v should not be classified", err)
			}
		})
	}
}

func TestClaudeProviderPrependsUserTurn(t *testing.T) {
	var got claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path=%s, want /v1/messages", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Bonjour"},{"type":"text","text":"!"}]}`))
	}))
	defer srv.Close()

	p := NewClaudeProvider(srv.Client(), srv.URL, "k")
	resp, err := p.Complete(context.Background(), Request{
		Model:    "m",
		Messages: []Message{{Role: "assistant", Content: "Salut"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Bonjour\n!" {
		t.Fatalf("content=%q", resp.Content)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "user" {
		t.Fatalf("messages=%+v, want leading user turn", got.Messages)
	}
	if got.MaxTokens != 1024 {
		t.Fatalf("max_tokens=%d, want 1024", got.MaxTokens)
	}
}

func TestNewProviderUnknown(t *testing.T) {
	if _, err := NewProvider(Config{Provider: "gemini"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
