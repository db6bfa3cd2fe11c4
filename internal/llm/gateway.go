package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"convoai/internal/apperr"
	"convoai/internal/credentials"
	"convoai/internal/metrics"
	"convoai/internal/providers"
	"convoai/internal/router"
)

type Selector interface {
	Select(ctx context.Context, in router.Input) (router.Selection, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID int64, provider providers.Kind) (credentials.Credential, error)
}

type Adapters interface {
	Get(kind providers.Kind) (providers.Adapter, error)
	Embedder() (providers.Embedder, providers.Kind)
}

// Budget limits calls made with system keys. Optional.
type Budget interface {
	Allow(ctx context.Context, userID int64, provider string, now time.Time) (bool, int64, time.Time, error)
}

type Config struct {
	Router      Selector
	Resolver    Resolver
	Adapters    Adapters
	Budget      Budget
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Gateway is the single path from a chat turn to a provider: it routes,
// resolves the key, enforces the system-key budget and calls the adapter under
// a request-level timeout.
type Gateway struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Gateway{cfg: cfg, now: time.Now}
}

// Call is one completion request. Zero MaxTokens and nil Temperature use the
// gateway defaults.
type Call struct {
	Route       router.Input
	History     []providers.Message
	MaxTokens   int
	Temperature *float64
}

type Reply struct {
	providers.Result
	Provider providers.Kind
	Model    string
	Source   credentials.Source
}

// Complete runs one completion. The provider call is detached from ctx
// cancellation so a caller that goes away does not abandon a charged reply;
// only the gateway timeout bounds it.
func (g *Gateway) Complete(ctx context.Context, call Call) (Reply, error) {
	sel, err := g.cfg.Router.Select(ctx, call.Route)
	if err != nil {
		return Reply{}, err
	}
	cred, err := g.cfg.Resolver.Resolve(ctx, call.Route.UserID, sel.Provider)
	if err != nil {
		return Reply{}, err
	}
	if err := g.checkBudget(ctx, call.Route.UserID, cred); err != nil {
		return Reply{}, err
	}
	adapter, err := g.cfg.Adapters.Get(sel.Provider)
	if err != nil {
		return Reply{}, err
	}

	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	temperature := g.cfg.Temperature
	if call.Temperature != nil {
		temperature = *call.Temperature
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	defer cancel()

	res, err := adapter.Complete(callCtx, providers.Request{
		History:     call.History,
		Model:       sel.Model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		APIKey:      cred.APIKey,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.ProviderTimeout) {
			err = apperr.Wrap(apperr.ProviderTimeout, "provider did not answer in time", err)
		}
		g.observe(sel, err)
		g.cfg.Logger.Warn().
			Err(err).
			Str("provider", string(sel.Provider)).
			Str("model", sel.Model).
			Str("route", string(sel.Reason)).
			Object("credential", cred).
			Msg("provider call failed")
		return Reply{}, err
	}

	g.observe(sel, nil)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ProviderLatency.WithLabelValues(string(sel.Provider)).Observe(float64(res.LatencyMS) / 1000)
		g.cfg.Metrics.TokensUsed.WithLabelValues(string(sel.Provider), string(cred.Source)).Add(float64(res.TotalTokens))
	}
	g.cfg.Logger.Debug().
		Str("provider", string(sel.Provider)).
		Str("model", sel.Model).
		Str("route", string(sel.Reason)).
		Int64("latency_ms", res.LatencyMS).
		Int("total_tokens", res.TotalTokens).
		Msg("provider call succeeded")

	return Reply{Result: res, Provider: sel.Provider, Model: sel.Model, Source: cred.Source}, nil
}

// Embed returns an embedding of text using the embedding-capable provider and
// the caller's credential for it.
func (g *Gateway) Embed(ctx context.Context, userID int64, text string) ([]float64, error) {
	embedder, kind := g.cfg.Adapters.Embedder()
	if embedder == nil {
		return nil, apperr.New(apperr.EmbeddingUnavailable, "no embedding provider is configured")
	}
	cred, err := g.cfg.Resolver.Resolve(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	defer cancel()
	return embedder.Embed(callCtx, text, cred.APIKey)
}

func (g *Gateway) checkBudget(ctx context.Context, userID int64, cred credentials.Credential) error {
	if cred.Source != credentials.SourceSystem || g.cfg.Budget == nil {
		return nil
	}
	allowed, used, resetAt, err := g.cfg.Budget.Allow(ctx, userID, string(cred.Provider), g.now())
	if err != nil {
		// Redis trouble should not block chats.
		g.cfg.Logger.Warn().Err(err).Int64("user_id", userID).Msg("system key budget unavailable")
		return nil
	}
	if !allowed {
		g.cfg.Logger.Info().Int64("user_id", userID).Int64("used", used).Object("credential", cred).Msg("system key budget exhausted")
		return apperr.Newf(apperr.RateLimited, "hourly limit for the shared %s key reached; try again after %s or add your own API key",
			cred.Provider, resetAt.UTC().Format(time.Kitchen))
	}
	return nil
}

func (g *Gateway) observe(sel router.Selection, err error) {
	if g.cfg.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	g.cfg.Metrics.ProviderRequests.WithLabelValues(string(sel.Provider), outcome).Inc()
}
