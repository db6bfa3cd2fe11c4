package cohere

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/providers"
)

func TestRenderBodyKeepsRoles(t *testing.T) {
	c := New(Config{})
	body, err := c.renderBody(providers.Request{
		History: []providers.Message{
			{Role: providers.RoleSystem, Content: "s"},
			{Role: providers.RoleUser, Content: "u"},
			{Role: providers.RoleAssistant, Content: "a"},
		},
	})
	if err != nil {
		t.Fatalf("render body: %v", err)
	}
	var payload chatRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Model != "command-r-08-2024" {
		t.Fatalf("default model not applied: %q", payload.Model)
	}
	if len(payload.Messages) != 3 || payload.Messages[2].Role != "assistant" {
		t.Fatalf("unexpected messages %+v", payload.Messages)
	}
}

func TestParseResponsePrefersTokens(t *testing.T) {
	res, err := parseResponse([]byte(`{"finish_reason":"COMPLETE","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]},
		"usage":{"billed_units":{"input_tokens":3,"output_tokens":2},"tokens":{"input_tokens":70,"output_tokens":2}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.PromptTokens != 70 || res.CompletionTokens != 2 || res.TotalTokens != 72 {
		t.Fatalf("unexpected usage %+v", res)
	}

	res, err = parseResponse([]byte(`{"message":{"content":[{"type":"text","text":"hi"}]},"usage":{"billed_units":{"input_tokens":3,"output_tokens":2}}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.TotalTokens != 5 {
		t.Fatalf("billed units fallback not used: %+v", res)
	}
}

func TestCompleteStatusTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   apperr.Kind
		calls  int32
	}{
		{http.StatusUnauthorized, apperr.AuthError, 1},
		{http.StatusTooManyRequests, apperr.RateLimited, 3},
		{http.StatusUnprocessableEntity, apperr.InvalidRequest, 1},
		{http.StatusBadGateway, apperr.TransientNetworkError, 2},
	}
	for _, tc := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))

		c := New(Config{BaseURL: srv.URL, Retry: providers.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}})
		_, err := c.Complete(context.Background(), providers.Request{
			History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
			APIKey:  "k",
		})
		srv.Close()
		if !apperr.Is(err, tc.kind) {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.kind, err)
		}
		if calls.Load() != tc.calls {
			t.Fatalf("status %d: expected %d calls, got %d", tc.status, tc.calls, calls.Load())
		}
	}
}

func TestCompleteSendsBearerKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer user-key" {
			t.Errorf("missing bearer key")
		}
		_, _ = w.Write([]byte(`{"message":{"content":[{"type":"text","text":"answer"}]},"usage":{"tokens":{"input_tokens":4,"output_tokens":1}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	res, err := c.Complete(context.Background(), providers.Request{
		History: []providers.Message{{Role: providers.RoleUser, Content: "q"}},
		APIKey:  "user-key",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Text != "answer" || res.TotalTokens != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
}
