package registry

import (
	"testing"

	"convoai/internal/config"
	"convoai/internal/providers"
)

func TestBuildRegistersClosedSet(t *testing.T) {
	r := Build(BuildOptions{Providers: config.ProvidersConfig{
		Groq: config.ProviderConfig{DefaultModel: "llama-test"},
	}})

	kinds := r.Kinds()
	if len(kinds) != 3 || kinds[0] != providers.Groq || kinds[1] != providers.Gemini || kinds[2] != providers.Cohere {
		t.Fatalf("unexpected kinds %v", kinds)
	}
	a, err := r.Get(providers.Groq)
	if err != nil {
		t.Fatalf("get groq: %v", err)
	}
	if a.DefaultModel() != "llama-test" {
		t.Fatalf("default model not wired: %q", a.DefaultModel())
	}
	if _, err := r.Get(providers.Kind("openai")); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if e, kind := r.Embedder(); e == nil || kind != providers.Gemini {
		t.Fatalf("gemini should be the embedder, got %v", kind)
	}
}
