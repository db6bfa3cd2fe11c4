// Package providertest provides scriptable adapters for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"convoai/internal/providers"
)

// Adapter is a fake providers.Adapter. CompleteFunc defaults to an echo reply
// with fixed token counts.
type Adapter struct {
	KindValue    providers.Kind
	Model        string
	CompleteFunc func(ctx context.Context, req providers.Request) (providers.Result, error)

	mu    sync.Mutex
	calls []providers.Request
}

func (a *Adapter) Kind() providers.Kind { return a.KindValue }

func (a *Adapter) DefaultModel() string {
	if a.Model == "" {
		return string(a.KindValue) + "-default"
	}
	return a.Model
}

func (a *Adapter) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	if a.CompleteFunc != nil {
		return a.CompleteFunc(ctx, req)
	}
	last := ""
	if n := len(req.History); n > 0 {
		last = req.History[n-1].Content
	}
	return providers.Result{Text: "echo: " + last, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, LatencyMS: 1}, nil
}

// Calls returns a copy of the requests seen so far.
func (a *Adapter) Calls() []providers.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]providers.Request(nil), a.calls...)
}

// EmbeddingAdapter adds providers.Embedder to Adapter.
type EmbeddingAdapter struct {
	Adapter
	EmbedFunc func(ctx context.Context, text, apiKey string) ([]float64, error)
}

func (a *EmbeddingAdapter) Embed(ctx context.Context, text, apiKey string) ([]float64, error) {
	if a.EmbedFunc != nil {
		return a.EmbedFunc(ctx, text, apiKey)
	}
	return nil, errors.New("embedding not scripted")
}
