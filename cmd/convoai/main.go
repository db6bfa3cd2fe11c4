package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"convoai/internal/account"
	"convoai/internal/auth"
	"convoai/internal/config"
	"convoai/internal/conversation"
	"convoai/internal/credentials"
	"convoai/internal/crypto"
	"convoai/internal/httpapi"
	"convoai/internal/intelligence"
	"convoai/internal/llm"
	"convoai/internal/metrics"
	"convoai/internal/providers"
	"convoai/internal/providers/registry"
	"convoai/internal/ratelimit"
	"convoai/internal/router"
	"convoai/internal/storage"
	"convoai/internal/usage"
)

var cli struct {
	Serve      struct{} `cmd:"" help:"Run the HTTP API."`
	Migrate    struct{} `cmd:"" help:"Apply database migrations and exit."`
	RotateKeys struct {
		DryRun bool `help:"Count keys that would be re-sealed without writing them."`
	} `cmd:"" help:"Re-seal stored provider API keys with the current master key."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("convoai"),
		kong.Description("Multi-provider conversation service."),
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch kctx.Command() {
	case "serve":
		err = serve(ctx, cfg)
	case "migrate":
		err = migrate(ctx, cfg)
	case "rotate-keys":
		err = rotateKeys(ctx, cfg, cli.RotateKeys.DryRun)
	default:
		err = fmt.Errorf("unknown command %q", kctx.Command())
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", kctx.Command()).Msg("command failed")
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, false)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
	return nil
}

func rotateKeys(ctx context.Context, cfg *config.Config, dryRun bool) error {
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()
	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}
	accounts := account.New(account.Config{Store: store, Keyring: keyring, Logger: log.Logger})
	rep, err := accounts.RotateKeys(ctx, dryRun)
	if err != nil {
		return err
	}
	log.Info().
		Bool("dry_run", dryRun).
		Str("current_key_id", cfg.Crypto.CurrentKeyID).
		Int("total", rep.Total).
		Int("rotated", rep.Rotated).
		Int("unchanged", rep.Unchanged).
		Int("failed", rep.Failed).
		Msg("api key rotation finished")
	if rep.Failed > 0 {
		return fmt.Errorf("%d keys could not be re-sealed", rep.Failed)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	defaultProvider, err := providers.ParseKind(cfg.Providers.Default)
	if err != nil {
		return err
	}
	log.Info().
		Str("default_provider", string(defaultProvider)).
		Bool("system_key_fallback", cfg.Providers.SystemKeyFallback).
		Bool("embeddings", cfg.Embeddings.Enabled).
		Msg("starting convoai")

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}

	m := metrics.Global()
	reg := registry.Build(registry.BuildOptions{
		Providers:  cfg.Providers,
		HTTPClient: &http.Client{Timeout: cfg.Client.Timeout},
		Retry:      providers.RetryPolicy{MaxRetries: cfg.Client.MaxRetries, BackoffBase: cfg.Client.BackoffBase},
	})
	resolver := credentials.NewResolver(credentials.Config{
		Store:          store,
		Keyring:        keyring,
		SystemKeys:     cfg.Providers.SystemKeys(),
		SystemFallback: cfg.Providers.SystemKeyFallback,
		Logger:         component("credentials"),
	})
	gwCfg := llm.Config{
		Router: router.New(router.Config{
			Availability:    resolver,
			Settings:        store,
			Adapters:        reg,
			DefaultProvider: defaultProvider,
		}),
		Resolver:    resolver,
		Adapters:    reg,
		Timeout:     cfg.Chat.ProviderTimeout,
		Temperature: cfg.Chat.Temperature,
		MaxTokens:   cfg.Chat.MaxTokens,
		Logger:      component("llm"),
		Metrics:     m,
	}
	if cfg.Providers.SystemBudgetPerHour > 0 {
		gwCfg.Budget = ratelimit.NewBudget(rdb, cfg.Providers.SystemBudgetPerHour)
	}
	gateway := llm.New(gwCfg)

	accountant := usage.NewAccountant(store, resolver)
	intel := intelligence.New(intelligence.Config{
		Store:         store,
		Gateway:       gateway,
		Usage:         accountant,
		Cache:         intelligence.NewEmbeddingCache(rdb, cfg.Providers.EmbeddingModel, cfg.Embeddings.CacheTTL),
		BasicWindow:   cfg.Chat.SummaryBasicLimit,
		Embeddings:    cfg.Embeddings.Enabled,
		Required:      cfg.Embeddings.Required,
		MinSimilarity: cfg.Embeddings.MinSimilarity,
		Logger:        component("intelligence"),
		Metrics:       m,
	})
	conversations := conversation.New(conversation.Config{
		Store:        store,
		Gateway:      gateway,
		Summarizer:   intel,
		Dedupe:       ratelimit.NewSendDeduplicator(rdb, cfg.Redis.DedupTTL),
		SystemPrompt: cfg.Chat.SystemPrompt,
		Logger:       component("conversation"),
		Metrics:      m,
	})

	handler := httpapi.NewHandler(httpapi.Config{
		Accounts: account.New(account.Config{
			Store:           store,
			Keyring:         keyring,
			DefaultProvider: defaultProvider,
			Logger:          component("account"),
		}),
		Conversations:   conversations,
		Intelligence:    intel,
		Usage:           accountant,
		Tokens:          auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer),
		Catalog:         reg,
		Availability:    resolver,
		DefaultProvider: defaultProvider,
		Health: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		Logger:      component("http"),
		Metrics:     m,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	log.Info().Msg("stopped")
	return runErr
}

func component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
