package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zacharykka/genai-governor/internal/config"
	"github.com/zacharykka/genai-governor/internal/domain"
)

func TestOpenAIClientInvoke(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"summary"}}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`))
	}))
	defer server.Close()

	registry := NewRegistry(map[string]config.ProviderConfig{
		"openai": {BaseURL: server.URL + "/v1/", APIKey: "sk-test", Timeout: time.Second},
	}, nil)

	model := &domain.ModelEntry{Provider: "openai", ModelName: "gpt-4o-mini", ModelIdentifier: "openai/gpt-4o-mini"}
	cfg := &domain.RequestConfig{Temperature: 0.3, MaxTokens: 2000, TopP: 1}
	resp, err := registry.Invoke(context.Background(), model, "hello", cfg)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "summary" || resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if captured.Model != "gpt-4o-mini" || captured.MaxTokens != 2000 || captured.Temperature != 0.3 {
		t.Fatalf("unexpected request payload %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages %+v", captured.Messages)
	}
}

func TestOpenAIClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOpenAIClient("openai", config.ProviderConfig{BaseURL: server.URL, Timeout: time.Second}, nil)
	_, err := client.Invoke(context.Background(), &domain.ModelEntry{ModelName: "m"}, "hi", nil)
	var status *StatusError
	if !errors.As(err, &status) || status.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 StatusError, got %v", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := NewRegistry(nil, nil)
	if _, err := registry.Invoke(context.Background(), &domain.ModelEntry{Provider: "missing"}, "hi", nil); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
