// Package testutil wires the chat core against sqlite, miniredis and fake
// provider adapters for service and API tests.
package testutil

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convoai/internal/credentials"
	"convoai/internal/crypto"
	"convoai/internal/intelligence"
	"convoai/internal/llm"
	"convoai/internal/providers"
	"convoai/internal/providers/providertest"
	"convoai/internal/providers/registry"
	"convoai/internal/ratelimit"
	"convoai/internal/router"
	"convoai/internal/storage"
	"convoai/internal/usage"
)

type Options struct {
	// SystemKeys maps provider names to operator keys.
	SystemKeys      map[string]string
	SystemFallback  bool
	SystemBudget    int64
	DefaultProvider providers.Kind
	Embeddings      bool
	Timeout         time.Duration
}

type Stack struct {
	Store        *storage.Store
	Keyring      *crypto.Keyring
	Redis        *redis.Client
	Miniredis    *miniredis.Miniredis
	Registry     *registry.Registry
	Resolver     *credentials.Resolver
	Router       *router.Router
	Gateway      *llm.Gateway
	Usage        *usage.Accountant
	Intelligence *intelligence.Service
	Dedupe       *ratelimit.SendDeduplicator

	Gemini *providertest.EmbeddingAdapter
	Groq   *providertest.Adapter
	Cohere *providertest.Adapter
}

func NewStack(t testing.TB, opts Options) *Stack {
	t.Helper()
	ctx := context.Background()

	st, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "convoai.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kr, err := crypto.NewKeyring("test", map[string][]byte{"test": bytes.Repeat([]byte{9}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	s := &Stack{
		Store:     st,
		Keyring:   kr,
		Redis:     rdb,
		Miniredis: mr,
		Gemini:    &providertest.EmbeddingAdapter{Adapter: providertest.Adapter{KindValue: providers.Gemini}},
		Groq:      &providertest.Adapter{KindValue: providers.Groq},
		Cohere:    &providertest.Adapter{KindValue: providers.Cohere},
	}
	s.Registry = registry.New(s.Gemini, s.Groq, s.Cohere)
	s.Resolver = credentials.NewResolver(credentials.Config{
		Store:          st,
		Keyring:        kr,
		SystemKeys:     opts.SystemKeys,
		SystemFallback: opts.SystemFallback,
		Logger:         zerolog.Nop(),
	})
	s.Router = router.New(router.Config{
		Availability:    s.Resolver,
		Settings:        st,
		Adapters:        s.Registry,
		DefaultProvider: opts.DefaultProvider,
	})
	gcfg := llm.Config{
		Router:   s.Router,
		Resolver: s.Resolver,
		Adapters: s.Registry,
		Timeout:  opts.Timeout,
		Logger:   zerolog.Nop(),
	}
	if opts.SystemBudget > 0 {
		gcfg.Budget = ratelimit.NewBudget(rdb, opts.SystemBudget)
	}
	s.Gateway = llm.New(gcfg)
	s.Usage = usage.NewAccountant(st, s.Resolver)
	s.Intelligence = intelligence.New(intelligence.Config{
		Store:         st,
		Gateway:       s.Gateway,
		Usage:         s.Usage,
		Cache:         intelligence.NewEmbeddingCache(rdb, "test-embedding", time.Hour),
		Embeddings:    opts.Embeddings,
		MinSimilarity: 0.5,
		Logger:        zerolog.Nop(),
	})
	s.Dedupe = ratelimit.NewSendDeduplicator(rdb, time.Minute)
	return s
}

// NewUser creates a user whose profile prefers provider.
func (s *Stack) NewUser(t testing.TB, username string, preferred providers.Kind) int64 {
	t.Helper()
	u, err := s.Store.CreateUser(context.Background(), storage.User{Username: username, PasswordHash: "unused"}, string(preferred))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func (s *Stack) SetKey(t testing.TB, userID int64, kind providers.Kind, key string) {
	t.Helper()
	sealed, err := s.Keyring.Seal(key, crypto.APIKeyBinding(userID, string(kind)))
	if err != nil {
		t.Fatalf("seal key: %v", err)
	}
	if err := s.Store.SetProviderKey(context.Background(), userID, string(kind), &sealed); err != nil {
		t.Fatalf("store key: %v", err)
	}
}

func (s *Stack) RemoveKey(t testing.TB, userID int64, kind providers.Kind) {
	t.Helper()
	if err := s.Store.SetProviderKey(context.Background(), userID, string(kind), nil); err != nil {
		t.Fatalf("remove key: %v", err)
	}
}

// Adapter returns the fake adapter registered for kind.
func (s *Stack) Adapter(kind providers.Kind) *providertest.Adapter {
	switch kind {
	case providers.Gemini:
		return &s.Gemini.Adapter
	case providers.Groq:
		return s.Groq
	default:
		return s.Cohere
	}
}
