package router

import (
	"context"
	"testing"

	"convoai/internal/apperr"
	"convoai/internal/providers"
	"convoai/internal/providers/registry"
	"convoai/internal/storage"
)

type fakeAvailability map[providers.Kind]bool

func (f fakeAvailability) Available(context.Context, int64) (map[providers.Kind]bool, error) {
	out := map[providers.Kind]bool{}
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

type fakeSettings []storage.ProviderSetting

func (f fakeSettings) ListProviderSettings(context.Context, int64) ([]storage.ProviderSetting, error) {
	return f, nil
}

func newRouter(avail fakeAvailability, settings fakeSettings) *Router {
	return New(Config{
		Availability:    avail,
		Settings:        settings,
		Adapters:        registry.Build(registry.BuildOptions{}),
		DefaultProvider: providers.Gemini,
	})
}

func TestSelectPrecedence(t *testing.T) {
	model := "llama-custom"
	r := newRouter(
		fakeAvailability{providers.Groq: true, providers.Gemini: true, providers.Cohere: true},
		fakeSettings{{Provider: "groq", PreferredModel: &model}},
	)
	ctx := context.Background()
	profile := storage.Profile{PreferredProvider: "cohere"}
	sticky := &storage.Conversation{Provider: "groq", Model: "llama-sticky", MessageCount: 2}

	cases := []struct {
		name     string
		in       Input
		provider providers.Kind
		model    string
		reason   Reason
	}{
		{"override", Input{Profile: profile, Conversation: sticky, Override: Override{Provider: "gemini"}}, providers.Gemini, "models/gemini-2.5-flash", ReasonOverride},
		{"override model keeps sticky provider", Input{Profile: profile, Conversation: sticky, Override: Override{Model: "x"}}, providers.Groq, "x", ReasonSticky},
		{"sticky", Input{Profile: profile, Conversation: sticky}, providers.Groq, "llama-sticky", ReasonSticky},
		{"preference", Input{Profile: profile, Conversation: &storage.Conversation{}}, providers.Cohere, "command-r-08-2024", ReasonPreference},
		{"default", Input{Profile: storage.Profile{}}, providers.Gemini, "models/gemini-2.5-flash", ReasonDefault},
		{"preferred model", Input{Profile: storage.Profile{PreferredProvider: "groq"}}, providers.Groq, "llama-custom", ReasonPreference},
	}
	for _, tc := range cases {
		sel, err := r.Select(ctx, tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if sel.Provider != tc.provider || sel.Model != tc.model || sel.Reason != tc.reason {
			t.Fatalf("%s: unexpected selection %+v", tc.name, sel)
		}
	}
}

func TestSelectFallbackOrder(t *testing.T) {
	r := newRouter(fakeAvailability{providers.Cohere: true, providers.Gemini: false}, nil)
	sel, err := r.Select(context.Background(), Input{Profile: storage.Profile{PreferredProvider: "gemini"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Provider != providers.Cohere || sel.Reason != ReasonFallback {
		t.Fatalf("unexpected selection %+v", sel)
	}
}

func TestSelectStrictSticky(t *testing.T) {
	r := newRouter(fakeAvailability{providers.Gemini: true}, nil)
	_, err := r.Select(context.Background(), Input{Conversation: &storage.Conversation{Provider: "groq", MessageCount: 2}})
	if !apperr.Is(err, apperr.NoCredentialAvailable) {
		t.Fatalf("expected NoCredentialAvailable, got %v", err)
	}
	_, err = r.Select(context.Background(), Input{Override: Override{Provider: "cohere"}})
	if !apperr.Is(err, apperr.NoCredentialAvailable) {
		t.Fatalf("expected NoCredentialAvailable for override, got %v", err)
	}
	_, err = r.Select(context.Background(), Input{Override: Override{Provider: "openai"}})
	if !apperr.Is(err, apperr.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestSelectNothingConfigured(t *testing.T) {
	r := newRouter(fakeAvailability{}, nil)
	_, err := r.Select(context.Background(), Input{Profile: storage.Profile{PreferredProvider: "gemini"}})
	if !apperr.Is(err, apperr.NoProviderConfigured) {
		t.Fatalf("expected NoProviderConfigured, got %v", err)
	}
	_, err = r.Select(context.Background(), Input{Conversation: &storage.Conversation{Provider: "groq", MessageCount: 2}})
	if !apperr.Is(err, apperr.NoCredentialAvailable) {
		t.Fatalf("sticky selection must stay strict, got %v", err)
	}
}
