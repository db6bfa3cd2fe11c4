package groq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/providers"
)

func TestCompleteOpenAICompatible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gsk-test" {
			t.Errorf("missing bearer key")
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Model != "llama-3.3-70b-versatile" || len(body.Messages) != 2 || body.Messages[1].Role != "user" {
			t.Errorf("unexpected request %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","model":"llama-3.3-70b-versatile",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":9,"completion_tokens":1,"total_tokens":10}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{
			{Role: providers.RoleSystem, Content: "sys"},
			{Role: providers.RoleUser, Content: "ping"},
		},
		APIKey: "gsk-test",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Text != "pong" || res.TotalTokens != 10 || res.PromptTokens != 9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCompleteInvalidKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API Key gsk-bad","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: providers.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}})
	_, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		APIKey:  "gsk-bad",
	})
	if !apperr.Is(err, apperr.AuthError) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if strings.Contains(err.Error(), "gsk-bad") {
		t.Fatalf("error leaks key: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestCompleteServerErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: providers.RetryPolicy{MaxRetries: 3, BackoffBase: time.Millisecond}})
	_, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		APIKey:  "k",
	})
	if !apperr.Is(err, apperr.TransientNetworkError) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}
