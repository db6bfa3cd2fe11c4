// Package apperr defines the error kinds surfaced to callers of the chat core.
// Every error that leaves a service carries a stable Kind and a message that is
// safe to show to the user.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NoCredentialAvailable Kind = "no_credential_available"
	NoProviderConfigured  Kind = "no_provider_configured"
	AuthError             Kind = "auth_error"
	RateLimited           Kind = "rate_limited"
	InvalidRequest        Kind = "invalid_request"
	TransientNetworkError Kind = "transient_network_error"
	ProviderTimeout       Kind = "provider_timeout"
	ConversationNotActive Kind = "conversation_not_active"
	EmbeddingUnavailable  Kind = "embedding_unavailable"
	NotFound              Kind = "not_found"
	ValidationError       Kind = "validation_error"
	Unauthorized          Kind = "unauthorized"
	Internal              Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and user-facing message to an underlying cause. The cause
// is kept for logs only and never rendered to the caller.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns Internal for errors that carry no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Message returns the caller-safe text of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

func Retryable(kind Kind) bool {
	return kind == RateLimited || kind == TransientNetworkError
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationError, InvalidRequest, ConversationNotActive:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case NoCredentialAvailable, NoProviderConfigured:
		return http.StatusPreconditionFailed
	case AuthError:
		return http.StatusFailedDependency
	case RateLimited:
		return http.StatusTooManyRequests
	case TransientNetworkError, EmbeddingUnavailable:
		return http.StatusBadGateway
	case ProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
