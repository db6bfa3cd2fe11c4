package registry

import (
	"fmt"
	"net/http"

	"convoai/internal/config"
	"convoai/internal/providers"
	"convoai/internal/providers/cohere"
	"convoai/internal/providers/gemini"
	"convoai/internal/providers/groq"
)

type BuildOptions struct {
	Providers  config.ProvidersConfig
	HTTPClient *http.Client
	Retry      providers.RetryPolicy
}

// Registry maps every provider kind to its adapter.
type Registry struct {
	adapters map[providers.Kind]providers.Adapter
	embedder providers.Embedder
}

func Build(opts BuildOptions) *Registry {
	g := gemini.New(gemini.Config{
		BaseURL:        opts.Providers.Gemini.BaseURL,
		DefaultModel:   opts.Providers.Gemini.DefaultModel,
		EmbeddingModel: opts.Providers.EmbeddingModel,
		HTTPClient:     opts.HTTPClient,
		Retry:          opts.Retry,
	})
	return New(
		g,
		groq.New(groq.Config{
			BaseURL:      opts.Providers.Groq.BaseURL,
			DefaultModel: opts.Providers.Groq.DefaultModel,
			HTTPClient:   opts.HTTPClient,
			Retry:        opts.Retry,
		}),
		cohere.New(cohere.Config{
			BaseURL:      opts.Providers.Cohere.BaseURL,
			DefaultModel: opts.Providers.Cohere.DefaultModel,
			HTTPClient:   opts.HTTPClient,
			Retry:        opts.Retry,
		}),
	)
}

// New registers adapters by their Kind. The first adapter that also embeds
// becomes the embedding backend.
func New(adapters ...providers.Adapter) *Registry {
	r := &Registry{adapters: make(map[providers.Kind]providers.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
		if e, ok := a.(providers.Embedder); ok && r.embedder == nil {
			r.embedder = e
		}
	}
	return r
}

func (r *Registry) Get(kind providers.Kind) (providers.Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
	return a, nil
}

// Kinds returns registered kinds in fallback order.
func (r *Registry) Kinds() []providers.Kind {
	out := make([]providers.Kind, 0, len(r.adapters))
	for _, k := range providers.All {
		if _, ok := r.adapters[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Embedder returns the embedding-capable adapter and its kind, or nil.
func (r *Registry) Embedder() (providers.Embedder, providers.Kind) {
	if r.embedder == nil {
		return nil, ""
	}
	return r.embedder, r.embedder.(providers.Adapter).Kind()
}
