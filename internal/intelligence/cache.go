package intelligence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache stores embeddings in redis keyed by a hash of model and text.
type EmbeddingCache struct {
	redis *redis.Client
	model string
	ttl   time.Duration
}

func NewEmbeddingCache(rdb *redis.Client, model string, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{redis: rdb, model: model, ttl: ttl}
}

func (c *EmbeddingCache) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "convoai:emb:" + hex.EncodeToString(sum[:])
}

func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float64, bool, error) {
	raw, err := c.redis.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("embedding cache get: %w", err)
	}
	var v []float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return v, true, nil
}

func (c *EmbeddingCache) Set(ctx context.Context, text string, v []float64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(text), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("embedding cache set: %w", err)
	}
	return nil
}

// embed returns the cached embedding of text or computes and caches it. Cache
// failures only cost a provider call.
func (s *Service) embed(ctx context.Context, userID int64, text string) ([]float64, error) {
	if s.cfg.Cache != nil {
		v, ok, err := s.cfg.Cache.Get(ctx, text)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("embedding cache read failed")
		} else if ok {
			return v, nil
		}
	}
	v, err := s.cfg.Gateway.Embed(ctx, userID, text)
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Set(ctx, text, v); err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("embedding cache write failed")
		}
	}
	return v, nil
}
