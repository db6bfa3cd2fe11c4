package gemini

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

func TestBuildPayloadMapsRoles(t *testing.T) {
	c := New(Config{BaseURL: "https://example.test/v1beta"})

	body, endpoint, err := c.buildPayload(providers.Request{
		Model: "gemini-2.5-flash",
		History: []providers.Message{
			{Role: providers.RoleSystem, Content: "be brief"},
			{Role: providers.RoleUser, Content: "hi"},
			{Role: providers.RoleAssistant, Content: "hello"},
			{Role: providers.RoleUser, Content: "how are you"},
			{Role: providers.RoleUser, Content: "?"},
		},
		Temperature: 0.3,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://example.test/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload generateRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction not mapped: %#v", payload.SystemInstruction)
	}
	if len(payload.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(payload.Contents))
	}
	roles := []string{payload.Contents[0].Role, payload.Contents[1].Role, payload.Contents[2].Role}
	if strings.Join(roles, ",") != "user,model,user" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if len(payload.Contents[2].Parts) != 2 {
		t.Fatalf("consecutive user turns should merge into parts, got %d", len(payload.Contents[2].Parts))
	}
	if payload.GenerationConfig.MaxOutputTokens != 64 {
		t.Fatalf("max tokens not mapped")
	}
}

func TestBuildPayloadRejectsSystemOnly(t *testing.T) {
	c := New(Config{})
	_, _, err := c.buildPayload(providers.Request{History: []providers.Message{{Role: providers.RoleSystem, Content: "x"}}})
	if !apperr.Is(err, apperr.InvalidRequest) {
		t.Fatalf("expected InvalidRequest, got %v", err)
	}
}

func TestCompleteNormalizesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k-123" {
			t.Errorf("api key header missing")
		}
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"},{"text":"lo"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, DefaultModel: "models/gemini-2.5-flash"})
	res, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		APIKey:  "k-123",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.PromptTokens != 7 || res.CompletionTokens != 3 || res.TotalTokens != 10 {
		t.Fatalf("unexpected usage %+v", res)
	}
}

func TestCompleteInvalidKeyIsAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid. key=secret-key","status":"INVALID_ARGUMENT",
			"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID"}]}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: providers.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}})
	_, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
		APIKey:  "secret-key",
	})
	if !apperr.Is(err, apperr.AuthError) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth errors must not be retried, got %d calls", calls.Load())
	}
	var inner error = err
	for inner != nil {
		if strings.Contains(inner.Error(), "secret-key") {
			t.Fatalf("error leaks key: %v", inner)
		}
		u, ok := inner.(interface{ Unwrap() error })
		if !ok {
			break
		}
		inner = u.Unwrap()
	}
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retry: providers.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}})
	res, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "hello there"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	if res.TotalTokens <= 0 || res.TotalTokens != res.PromptTokens+res.CompletionTokens {
		t.Fatalf("usage should be estimated when omitted: %+v", res)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/text-embedding-004:embedContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2,0.3]}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	v, err := c.Embed(context.Background(), "text", "k")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != 3 || v[2] != 0.3 {
		t.Fatalf("unexpected vector %v", v)
	}
}
