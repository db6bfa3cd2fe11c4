package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"convoai/internal/apperr"
	"convoai/internal/crypto"
	"convoai/internal/providers"
	"convoai/internal/storage"
)

type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

// Credential is a resolved API key. Its String and log forms never include the
// key itself.
type Credential struct {
	Provider providers.Kind
	Source   Source
	APIKey   string
}

func (c Credential) String() string {
	return fmt.Sprintf("%s/%s key", c.Provider, c.Source)
}

func (c Credential) GoString() string { return c.String() }

func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("provider", string(c.Provider)).Str("key_source", string(c.Source))
}

type Store interface {
	ListProviderSettings(ctx context.Context, userID int64) ([]storage.ProviderSetting, error)
	GetProviderSetting(ctx context.Context, userID int64, provider string) (storage.ProviderSetting, error)
}

type Config struct {
	Store          Store
	Keyring        *crypto.Keyring
	SystemKeys     map[string]string
	SystemFallback bool
	Logger         zerolog.Logger
}

type Resolver struct {
	cfg Config
}

func NewResolver(cfg Config) *Resolver {
	if cfg.SystemKeys == nil {
		cfg.SystemKeys = map[string]string{}
	}
	return &Resolver{cfg: cfg}
}

// Resolve prefers the user's own key and falls back to the system key when
// enabled.
func (r *Resolver) Resolve(ctx context.Context, userID int64, provider providers.Kind) (Credential, error) {
	ps, err := r.cfg.Store.GetProviderSetting(ctx, userID, string(provider))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Credential{}, fmt.Errorf("load provider setting: %w", err)
	}
	if err == nil && ps.HasKey() {
		key, err := r.cfg.Keyring.Open(*ps.EncAPIKey, crypto.APIKeyBinding(userID, string(provider)))
		if err != nil {
			// A key that no longer opens is treated like a missing one.
			r.cfg.Logger.Error().Err(err).Int64("user_id", userID).Str("provider", string(provider)).Msg("stored api key cannot be opened")
		} else {
			return Credential{Provider: provider, Source: SourceUser, APIKey: key}, nil
		}
	}

	if key, ok := r.systemKey(provider); ok {
		return Credential{Provider: provider, Source: SourceSystem, APIKey: key}, nil
	}
	return Credential{}, apperr.Newf(apperr.NoCredentialAvailable, "no API key for %s; configure an API key for this provider", provider)
}

// Available reports which providers can be called for the user without
// opening any sealed key.
func (r *Resolver) Available(ctx context.Context, userID int64) (map[providers.Kind]bool, error) {
	settings, err := r.cfg.Store.ListProviderSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list provider settings: %w", err)
	}
	out := make(map[providers.Kind]bool, len(providers.All))
	for _, k := range providers.All {
		_, ok := r.systemKey(k)
		out[k] = ok
	}
	for _, ps := range settings {
		if k, err := providers.ParseKind(ps.Provider); err == nil && ps.HasKey() {
			out[k] = true
		}
	}
	return out, nil
}

// HasUserKey reports whether the user stored a key for any provider.
func (r *Resolver) HasUserKey(ctx context.Context, userID int64) (bool, error) {
	settings, err := r.cfg.Store.ListProviderSettings(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list provider settings: %w", err)
	}
	for _, ps := range settings {
		if ps.HasKey() {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) systemKey(k providers.Kind) (string, bool) {
	if !r.cfg.SystemFallback {
		return "", false
	}
	key, ok := r.cfg.SystemKeys[string(k)]
	return key, ok && key != ""
}
