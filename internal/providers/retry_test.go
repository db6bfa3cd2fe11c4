package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"convoai/internal/apperr"
)

func TestRetryPolicyBounds(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BackoffBase: time.Millisecond}
	cases := []struct {
		kind  apperr.Kind
		calls int
	}{
		{apperr.RateLimited, 4},
		{apperr.TransientNetworkError, 2},
		{apperr.AuthError, 1},
		{apperr.InvalidRequest, 1},
	}
	for _, tc := range cases {
		calls := 0
		_, err := p.Do(context.Background(), func(context.Context) (Result, error) {
			calls++
			return Result{}, apperr.New(tc.kind, "x")
		})
		if !apperr.Is(err, tc.kind) {
			t.Fatalf("%s: unexpected error %v", tc.kind, err)
		}
		if calls != tc.calls {
			t.Fatalf("%s: expected %d calls, got %d", tc.kind, tc.calls, calls)
		}
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}
	calls := 0
	res, err := p.Do(context.Background(), func(context.Context) (Result, error) {
		calls++
		if calls == 1 {
			return Result{}, apperr.New(apperr.TransientNetworkError, "flaky")
		}
		return Result{Text: "ok"}, nil
	})
	if err != nil || res.Text != "ok" || calls != 2 {
		t.Fatalf("unexpected outcome res=%+v err=%v calls=%d", res, err, calls)
	}
}

func TestRetryPolicyDeadlineIsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	p := RetryPolicy{MaxRetries: 5, BackoffBase: time.Second}
	_, err := p.Do(ctx, func(context.Context) (Result, error) {
		return Result{}, apperr.New(apperr.RateLimited, "busy")
	})
	if !apperr.Is(err, apperr.ProviderTimeout) {
		t.Fatalf("expected ProviderTimeout, got %v", err)
	}
}

func TestStatusErrorTaxonomy(t *testing.T) {
	cases := map[int]apperr.Kind{
		401: apperr.AuthError,
		403: apperr.AuthError,
		429: apperr.RateLimited,
		400: apperr.InvalidRequest,
		413: apperr.InvalidRequest,
		500: apperr.TransientNetworkError,
		503: apperr.TransientNetworkError,
	}
	for status, kind := range cases {
		if got := apperr.KindOf(StatusError(Groq, status, "")); got != kind {
			t.Fatalf("status %d: expected %s, got %s", status, kind, got)
		}
	}
}

func TestTransportErrorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := TransportError(ctx, Gemini, errors.New("dial"))
	if !apperr.Is(err, apperr.TransientNetworkError) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
}

func TestSanitizeRedactsAndTruncates(t *testing.T) {
	got := Sanitize("bad key sk-live-1 rejected", "sk-live-1", "")
	if strings.Contains(got, "sk-live-1") {
		t.Fatalf("secret not redacted: %q", got)
	}
	long := Sanitize(strings.Repeat("a", 500))
	if len([]rune(long)) != 201 {
		t.Fatalf("expected truncation to 200 runes plus ellipsis, got %d", len([]rune(long)))
	}
}

func TestFillUsageEstimatesMissingCounts(t *testing.T) {
	res := Result{Text: "a reasonably short answer"}
	FillUsage(&res, []Message{{Role: RoleUser, Content: "what is the answer"}})
	if res.PromptTokens <= 0 || res.CompletionTokens <= 0 {
		t.Fatalf("counts not estimated: %+v", res)
	}
	if res.TotalTokens != res.PromptTokens+res.CompletionTokens {
		t.Fatalf("total mismatch: %+v", res)
	}

	reported := Result{Text: "x", PromptTokens: 5, CompletionTokens: 2, TotalTokens: 12}
	FillUsage(&reported, nil)
	if reported.TotalTokens != 12 {
		t.Fatalf("reported total must be kept, got %d", reported.TotalTokens)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Groq "); err != nil || k != Groq {
		t.Fatalf("parse groq: %v %v", k, err)
	}
	if _, err := ParseKind("openai"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}
