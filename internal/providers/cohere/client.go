package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convoai/internal/apperr"
	"convoai/internal/providers"
)

type Config struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	Retry        providers.RetryPolicy
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cohere.com/v2"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "command-r-08-2024"
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Kind() providers.Kind { return providers.Cohere }

func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type tokenCounts struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

type chatResponse struct {
	FinishReason string `json:"finish_reason"`
	Message      struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		Tokens      *tokenCounts `json:"tokens"`
		BilledUnits *tokenCounts `json:"billed_units"`
	} `json:"usage"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.Result{}, err
	}

	started := time.Now()
	res, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) (providers.Result, error) {
		return c.callOnce(ctx, body, req.APIKey)
	})
	if err != nil {
		return providers.Result{}, err
	}
	res.LatencyMS = time.Since(started).Milliseconds()
	providers.FillUsage(&res, req.History)
	return res, nil
}

func (c *Client) renderBody(req providers.Request) ([]byte, error) {
	payload := chatRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if payload.Model == "" {
		payload.Model = c.cfg.DefaultModel
	}
	if req.Temperature > 0 {
		t := req.Temperature
		payload.Temperature = &t
	}
	for _, m := range req.History {
		if !m.Role.Valid() {
			return nil, apperr.Newf(apperr.InvalidRequest, "unsupported message role %q", m.Role)
		}
		payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(payload.Messages) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "conversation has no messages")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cohere payload: %w", err)
	}
	return b, nil
}

func (c *Client) callOnce(ctx context.Context, body []byte, apiKey string) (providers.Result, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, fmt.Errorf("build cohere request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.Result{}, providers.TransportError(ctx, providers.Cohere, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Result{}, providers.TransportError(ctx, providers.Cohere, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(b, &e)
		return providers.Result{}, providers.StatusError(providers.Cohere, resp.StatusCode, providers.Sanitize(e.Message, apiKey))
	}

	return parseResponse(b)
}

func parseResponse(body []byte) (providers.Result, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, apperr.Wrap(apperr.TransientNetworkError, "cohere returned an unreadable response", err)
	}
	var sb strings.Builder
	for _, part := range resp.Message.Content {
		if part.Type == "" || part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, apperr.Newf(apperr.InvalidRequest, "cohere returned an empty answer (finish reason %s)", strings.ToLower(resp.FinishReason))
	}

	res := providers.Result{Text: text}
	// tokens counts the whole prompt; billed_units excludes the template and is
	// only used when tokens is absent.
	counts := resp.Usage.Tokens
	if counts == nil {
		counts = resp.Usage.BilledUnits
	}
	if counts != nil {
		res.PromptTokens = int(counts.InputTokens)
		res.CompletionTokens = int(counts.OutputTokens)
		res.TotalTokens = res.PromptTokens + res.CompletionTokens
	}
	return res, nil
}
