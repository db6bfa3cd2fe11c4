package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"convoai/internal/apperr"
)

// RetryPolicy bounds retries of a single provider call. RateLimited is retried
// up to MaxRetries times; TransientNetworkError at most once.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 400 * time.Millisecond
	}
	return p
}

func (p RetryPolicy) allowed(kind apperr.Kind) int {
	switch kind {
	case apperr.RateLimited:
		return p.MaxRetries
	case apperr.TransientNetworkError:
		return min(1, p.MaxRetries)
	default:
		return 0
	}
}

// Do runs call until it succeeds, fails with a non-retryable kind, or exhausts
// the policy. Backoff doubles per attempt.
func (p RetryPolicy) Do(ctx context.Context, call func(ctx context.Context) (Result, error)) (Result, error) {
	p = p.normalized()
	for attempt := 0; ; attempt++ {
		res, err := call(ctx)
		if err == nil {
			return res, nil
		}
		if attempt >= p.allowed(apperr.KindOf(err)) {
			return Result{}, err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctxErr(ctx)
		case <-time.After(p.BackoffBase * (1 << attempt)):
		}
	}
}

// StatusError maps an upstream HTTP status into the error taxonomy. detail is
// kept as the unexported cause and must already be sanitized.
func StatusError(provider Kind, status int, detail string) error {
	cause := fmt.Errorf("%s status %d: %s", provider, status, detail)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Wrap(apperr.AuthError, fmt.Sprintf("%s rejected the API key; check your API key", provider), cause)
	case status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimited, fmt.Sprintf("%s is busy, try again", provider), cause)
	case status >= 500:
		return apperr.Wrap(apperr.TransientNetworkError, fmt.Sprintf("%s request failed", provider), cause)
	case status >= 400:
		msg := fmt.Sprintf("%s rejected the request", provider)
		if d := strings.TrimSpace(detail); d != "" {
			msg += ": " + d
		}
		return apperr.Wrap(apperr.InvalidRequest, msg, cause)
	default:
		return apperr.Wrap(apperr.TransientNetworkError, fmt.Sprintf("%s returned unexpected status %d", provider, status), cause)
	}
}

// TransportError classifies a failure that produced no HTTP response.
func TransportError(ctx context.Context, provider Kind, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	return apperr.Wrap(apperr.TransientNetworkError, fmt.Sprintf("%s request failed", provider), err)
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ProviderTimeout, "provider did not answer in time", ctx.Err())
	}
	return apperr.Wrap(apperr.TransientNetworkError, "request canceled", ctx.Err())
}

// Sanitize strips secrets from text that may be logged or used as a cause and
// truncates it.
func Sanitize(text string, secrets ...string) string {
	for _, s := range secrets {
		if strings.TrimSpace(s) == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, "<redacted>")
	}
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200]) + "…"
	}
	return text
}
