package router

import (
	"context"
	"fmt"
	"strings"

	"convoai/internal/apperr"
	"convoai/internal/providers"
	"convoai/internal/storage"
)

type Availability interface {
	Available(ctx context.Context, userID int64) (map[providers.Kind]bool, error)
}

type Settings interface {
	ListProviderSettings(ctx context.Context, userID int64) ([]storage.ProviderSetting, error)
}

type Adapters interface {
	Get(kind providers.Kind) (providers.Adapter, error)
}

type Config struct {
	Availability    Availability
	Settings        Settings
	Adapters        Adapters
	DefaultProvider providers.Kind
}

// Override is an explicit per-request choice. Either field may be empty.
type Override struct {
	Provider string
	Model    string
}

type Input struct {
	UserID       int64
	Profile      storage.Profile
	Conversation *storage.Conversation
	Override     Override
}

type Reason string

const (
	ReasonOverride   Reason = "override"
	ReasonSticky     Reason = "sticky"
	ReasonPreference Reason = "preference"
	ReasonDefault    Reason = "default"
	ReasonFallback   Reason = "fallback"
)

type Selection struct {
	Provider providers.Kind
	Model    string
	Reason   Reason
}

type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Select picks provider and model. Override and sticky choices are strict and
// fail with NoCredentialAvailable when unusable; preference and default are
// tried in turn before the fixed fallback order.
func (r *Router) Select(ctx context.Context, in Input) (Selection, error) {
	avail, err := r.cfg.Availability.Available(ctx, in.UserID)
	if err != nil {
		return Selection{}, fmt.Errorf("provider availability: %w", err)
	}
	models, err := r.preferredModels(ctx, in.UserID)
	if err != nil {
		return Selection{}, err
	}

	var sel Selection
	switch {
	case strings.TrimSpace(in.Override.Provider) != "":
		kind, err := providers.ParseKind(in.Override.Provider)
		if err != nil {
			return Selection{}, apperr.Wrap(apperr.ValidationError, "unknown provider", err)
		}
		sel = Selection{Provider: kind, Reason: ReasonOverride}
	case in.Conversation != nil && in.Conversation.MessageCount > 0 && in.Conversation.Provider != "":
		kind, err := providers.ParseKind(in.Conversation.Provider)
		if err != nil {
			return Selection{}, fmt.Errorf("conversation provider: %w", err)
		}
		sel = Selection{Provider: kind, Reason: ReasonSticky}
	default:
		kind, reason, ok := r.soft(in.Profile, avail)
		if !ok {
			return Selection{}, apperr.New(apperr.NoProviderConfigured, "no provider is configured; add an API key for gemini, groq or cohere")
		}
		sel = Selection{Provider: kind, Reason: reason}
	}

	if !avail[sel.Provider] {
		return Selection{}, apperr.Newf(apperr.NoCredentialAvailable, "no API key for %s; configure an API key for this provider or switch provider", sel.Provider)
	}

	sel.Model, err = r.model(sel, in, models)
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}

func (r *Router) soft(p storage.Profile, avail map[providers.Kind]bool) (providers.Kind, Reason, bool) {
	if k, err := providers.ParseKind(p.PreferredProvider); err == nil && avail[k] {
		return k, ReasonPreference, true
	}
	if k := r.cfg.DefaultProvider; k != "" && avail[k] {
		return k, ReasonDefault, true
	}
	for _, k := range providers.All {
		if avail[k] {
			return k, ReasonFallback, true
		}
	}
	return "", "", false
}

func (r *Router) model(sel Selection, in Input, preferred map[providers.Kind]string) (string, error) {
	if m := strings.TrimSpace(in.Override.Model); m != "" {
		return m, nil
	}
	if c := in.Conversation; c != nil && c.Model != "" && c.Provider == string(sel.Provider) {
		return c.Model, nil
	}
	if m := preferred[sel.Provider]; m != "" {
		return m, nil
	}
	a, err := r.cfg.Adapters.Get(sel.Provider)
	if err != nil {
		return "", err
	}
	return a.DefaultModel(), nil
}

func (r *Router) preferredModels(ctx context.Context, userID int64) (map[providers.Kind]string, error) {
	settings, err := r.cfg.Settings.ListProviderSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list provider settings: %w", err)
	}
	out := map[providers.Kind]string{}
	for _, ps := range settings {
		if ps.PreferredModel == nil || *ps.PreferredModel == "" {
			continue
		}
		if k, err := providers.ParseKind(ps.Provider); err == nil {
			out[k] = *ps.PreferredModel
		}
	}
	return out, nil
}
