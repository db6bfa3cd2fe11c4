package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"convoai/internal/apperr"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerify(t *testing.T) {
	tokens := NewTokens(secret, time.Hour, "convoai")
	raw, exp, err := tokens.Issue(42, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry must be in the future")
	}
	p, err := tokens.FromHeader("Bearer " + raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != 42 || p.Username != "alice" {
		t.Fatalf("unexpected principal %+v", p)
	}

	ctx := WithPrincipal(context.Background(), p)
	if got, ok := PrincipalFrom(ctx); !ok || got != p {
		t.Fatalf("principal not carried by context")
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens := NewTokens(secret, time.Hour, "convoai")
	raw, _, _ := tokens.Issue(1, "u")

	other := NewTokens([]byte("another-secret-another-secret-xx"), time.Hour, "convoai")
	if _, err := other.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: expected ErrInvalidToken, got %v", err)
	}

	wrongIssuer := NewTokens(secret, time.Hour, "someone-else")
	if _, err := wrongIssuer.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("issuer mismatch: expected ErrInvalidToken, got %v", err)
	}

	expired := NewTokens(secret, time.Hour, "convoai")
	expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := expired.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
	}

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer not-a-jwt"} {
		if _, err := tokens.FromHeader(h); !apperr.Is(err, apperr.Unauthorized) {
			t.Fatalf("header %q: expected Unauthorized, got %v", h, err)
		}
	}
}
