package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"convoai/internal/apperr"
	"convoai/internal/providers"
)

func (c *Client) Embed(ctx context.Context, text, apiKey string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.InvalidRequest, "cannot embed empty text")
	}
	body, err := json.Marshal(map[string]any{
		"model":    c.cfg.EmbeddingModel,
		"content":  content{Parts: []part{{Text: text}}},
		"taskType": "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed payload: %w", err)
	}
	endpoint := c.modelURL(c.cfg.EmbeddingModel, "embedContent")

	var values []float64
	_, err = c.cfg.Retry.Do(ctx, func(ctx context.Context) (providers.Result, error) {
		raw, err := c.post(ctx, endpoint, body, apiKey)
		if err != nil {
			return providers.Result{}, err
		}
		var resp struct {
			Embedding struct {
				Values []float64 `json:"values"`
			} `json:"embedding"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return providers.Result{}, apperr.Wrap(apperr.TransientNetworkError, "gemini returned an unreadable embedding", err)
		}
		if len(resp.Embedding.Values) == 0 {
			return providers.Result{}, apperr.New(apperr.TransientNetworkError, "gemini returned an empty embedding")
		}
		values = resp.Embedding.Values
		return providers.Result{}, nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}
