package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(RateLimited, "provider busy, try again")
	err := fmt.Errorf("send message: %w", base)

	if got := KindOf(err); got != RateLimited {
		t.Fatalf("expected %q, got %q", RateLimited, got)
	}
	if !Is(err, RateLimited) {
		t.Fatalf("expected Is to match wrapped kind")
	}
	if Message(err) != "provider busy, try again" {
		t.Fatalf("unexpected message %q", Message(err))
	}
}

func TestKindOfPlainError(t *testing.T) {
	err := errors.New("boom")
	if got := KindOf(err); got != Internal {
		t.Fatalf("expected internal, got %q", got)
	}
	if Message(err) != "internal error" {
		t.Fatalf("plain errors must not leak their text, got %q", Message(err))
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error must have empty kind")
	}
}

func TestWrapHidesCause(t *testing.T) {
	cause := errors.New("status 401 body: key=sk-secret")
	err := Wrap(AuthError, "check your API key", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrappable")
	}
	if Message(err) != "check your API key" {
		t.Fatalf("unexpected caller message %q", Message(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		ValidationError:       http.StatusBadRequest,
		ConversationNotActive: http.StatusBadRequest,
		NotFound:              http.StatusNotFound,
		RateLimited:           http.StatusTooManyRequests,
		ProviderTimeout:       http.StatusGatewayTimeout,
		NoProviderConfigured:  http.StatusPreconditionFailed,
		Internal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
	if !Retryable(TransientNetworkError) || Retryable(AuthError) {
		t.Fatalf("unexpected retryable classification")
	}
}
