package llm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convoai/internal/apperr"
	"convoai/internal/credentials"
	"convoai/internal/providers"
	"convoai/internal/providers/providertest"
	"convoai/internal/providers/registry"
	"convoai/internal/ratelimit"
	"convoai/internal/router"
)

type fixedSelector struct {
	sel router.Selection
	err error
}

func (f fixedSelector) Select(context.Context, router.Input) (router.Selection, error) {
	return f.sel, f.err
}

type fixedResolver struct {
	source credentials.Source
}

func (f fixedResolver) Resolve(_ context.Context, _ int64, p providers.Kind) (credentials.Credential, error) {
	return credentials.Credential{Provider: p, Source: f.source, APIKey: "key-" + string(p)}, nil
}

func newGateway(t *testing.T, adapter providers.Adapter, source credentials.Source, budget Budget, timeout time.Duration) *Gateway {
	t.Helper()
	return New(Config{
		Router:   fixedSelector{sel: router.Selection{Provider: adapter.Kind(), Model: "m1"}},
		Resolver: fixedResolver{source: source},
		Adapters: registry.New(adapter),
		Budget:   budget,
		Timeout:  timeout,
		Logger:   zerolog.Nop(),
	})
}

func TestCompletePassesCredentialAndModel(t *testing.T) {
	a := &providertest.Adapter{KindValue: providers.Groq}
	g := newGateway(t, a, credentials.SourceUser, nil, time.Second)

	reply, err := g.Complete(context.Background(), Call{History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply.Provider != providers.Groq || reply.Model != "m1" || reply.TotalTokens != 15 || reply.Source != credentials.SourceUser {
		t.Fatalf("unexpected reply %+v", reply)
	}
	calls := a.Calls()
	if len(calls) != 1 || calls[0].APIKey != "key-groq" || calls[0].Model != "m1" || calls[0].MaxTokens != 2048 {
		t.Fatalf("unexpected request %+v", calls)
	}
}

func TestCompleteUsesPerCallSettings(t *testing.T) {
	a := &providertest.Adapter{KindValue: providers.Groq}
	g := New(Config{
		Router:      fixedSelector{sel: router.Selection{Provider: providers.Groq, Model: "m1"}},
		Resolver:    fixedResolver{source: credentials.SourceUser},
		Adapters:    registry.New(a),
		Temperature: 0.7,
		Logger:      zerolog.Nop(),
	})
	history := []providers.Message{{Role: providers.RoleUser, Content: "hi"}}

	if _, err := g.Complete(context.Background(), Call{History: history}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	temp := 0.1
	if _, err := g.Complete(context.Background(), Call{History: history, Temperature: &temp, MaxTokens: 300}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	calls := a.Calls()
	if calls[0].Temperature != 0.7 || calls[0].MaxTokens != 2048 {
		t.Fatalf("defaults not applied: %+v", calls[0])
	}
	if calls[1].Temperature != 0.1 || calls[1].MaxTokens != 300 {
		t.Fatalf("per-call settings not applied: %+v", calls[1])
	}
}

func TestCompleteTimeout(t *testing.T) {
	a := &providertest.Adapter{KindValue: providers.Gemini, CompleteFunc: func(ctx context.Context, _ providers.Request) (providers.Result, error) {
		<-ctx.Done()
		return providers.Result{}, apperr.Wrap(apperr.TransientNetworkError, "request canceled", ctx.Err())
	}}
	g := newGateway(t, a, credentials.SourceUser, nil, 20*time.Millisecond)

	_, err := g.Complete(context.Background(), Call{History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}})
	if !apperr.Is(err, apperr.ProviderTimeout) {
		t.Fatalf("expected ProviderTimeout, got %v", err)
	}
}

func TestCompleteSurvivesCallerCancel(t *testing.T) {
	started := make(chan struct{})
	a := &providertest.Adapter{KindValue: providers.Gemini, CompleteFunc: func(ctx context.Context, _ providers.Request) (providers.Result, error) {
		close(started)
		select {
		case <-ctx.Done():
			return providers.Result{}, ctx.Err()
		case <-time.After(30 * time.Millisecond):
			return providers.Result{Text: "done", TotalTokens: 3}, nil
		}
	}}
	g := newGateway(t, a, credentials.SourceUser, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	reply, err := g.Complete(ctx, Call{History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}})
	if err != nil || reply.Text != "done" {
		t.Fatalf("provider call must outlive the caller: %+v %v", reply, err)
	}
}

func TestSystemKeyBudget(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := &providertest.Adapter{KindValue: providers.Groq}
	g := newGateway(t, a, credentials.SourceSystem, ratelimit.NewBudget(rdb, 1), time.Second)
	call := Call{Route: router.Input{UserID: 9}, History: []providers.Message{{Role: providers.RoleUser, Content: "hi"}}}

	if _, err := g.Complete(context.Background(), call); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.Complete(context.Background(), call); !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if len(a.Calls()) != 1 {
		t.Fatalf("budget must stop the second provider call")
	}

	own := newGateway(t, a, credentials.SourceUser, ratelimit.NewBudget(rdb, 1), time.Second)
	if _, err := own.Complete(context.Background(), call); err != nil {
		t.Fatalf("user keys are not budgeted: %v", err)
	}
}

func TestEmbedUsesEmbedder(t *testing.T) {
	a := &providertest.EmbeddingAdapter{
		Adapter: providertest.Adapter{KindValue: providers.Gemini},
		EmbedFunc: func(_ context.Context, text, apiKey string) ([]float64, error) {
			if apiKey != "key-gemini" {
				t.Errorf("unexpected key %q", apiKey)
			}
			return []float64{1, 0}, nil
		},
	}
	g := newGateway(t, a, credentials.SourceUser, nil, time.Second)
	v, err := g.Embed(context.Background(), 1, "text")
	if err != nil || len(v) != 2 {
		t.Fatalf("embed: %v %v", v, err)
	}

	noEmbed := newGateway(t, &providertest.Adapter{KindValue: providers.Groq}, credentials.SourceUser, nil, time.Second)
	if _, err := noEmbed.Embed(context.Background(), 1, "text"); !apperr.Is(err, apperr.EmbeddingUnavailable) {
		t.Fatalf("expected EmbeddingUnavailable, got %v", err)
	}
}
