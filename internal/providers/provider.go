package providers

import (
	"context"
	"fmt"
	"strings"
)

// Kind identifies one of the supported upstream providers. The set is closed;
// adding a provider means adding a Kind, an adapter package and a registry entry.
type Kind string

const (
	Gemini Kind = "gemini"
	Groq   Kind = "groq"
	Cohere Kind = "cohere"
)

// All lists kinds in availability fallback order.
var All = []Kind{Groq, Gemini, Cohere}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case Gemini, Groq, Cohere:
		return k, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	History     []Message
	Model       string
	Temperature float64
	MaxTokens   int
	APIKey      string
}

type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
}

type Adapter interface {
	Kind() Kind
	DefaultModel() string
	Complete(ctx context.Context, req Request) (Result, error)
}

// Embedder is implemented by adapters that can produce text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text, apiKey string) ([]float64, error)
}
