package groq

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"convoai/internal/apperr"
	"convoai/internal/providers"
)

type Config struct {
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	Retry        providers.RetryPolicy
}

// Client talks to Groq's OpenAI-compatible endpoint. A go-openai client is
// built per call because the key belongs to the request, not the process.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama-3.3-70b-versatile"
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Kind() providers.Kind { return providers.Groq }

func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	chatReq, err := c.buildRequest(req)
	if err != nil {
		return providers.Result{}, err
	}

	oc := openai.DefaultConfig(req.APIKey)
	oc.BaseURL = strings.TrimSuffix(c.cfg.BaseURL, "/")
	oc.HTTPClient = c.cfg.HTTPClient
	client := openai.NewClientWithConfig(oc)

	started := time.Now()
	res, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) (providers.Result, error) {
		resp, err := client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return providers.Result{}, classify(ctx, err, req.APIKey)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return providers.Result{}, apperr.New(apperr.InvalidRequest, "groq returned an empty answer")
		}
		return providers.Result{
			Text:             resp.Choices[0].Message.Content,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}, nil
	})
	if err != nil {
		return providers.Result{}, err
	}
	res.LatencyMS = time.Since(started).Milliseconds()
	providers.FillUsage(&res, req.History)
	return res, nil
}

func (c *Client) buildRequest(req providers.Request) (openai.ChatCompletionRequest, error) {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if out.Model == "" {
		out.Model = c.cfg.DefaultModel
	}
	for _, m := range req.History {
		var role string
		switch m.Role {
		case providers.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case providers.RoleUser:
			role = openai.ChatMessageRoleUser
		case providers.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			return openai.ChatCompletionRequest{}, apperr.Newf(apperr.InvalidRequest, "unsupported message role %q", m.Role)
		}
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	if len(out.Messages) == 0 {
		return openai.ChatCompletionRequest{}, apperr.New(apperr.InvalidRequest, "conversation has no messages")
	}
	return out, nil
}

func classify(ctx context.Context, err error, apiKey string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return providers.StatusError(providers.Groq, apiErr.HTTPStatusCode, providers.Sanitize(apiErr.Message, apiKey))
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return providers.StatusError(providers.Groq, reqErr.HTTPStatusCode, "")
	}
	return providers.TransportError(ctx, providers.Groq, errors.New(providers.Sanitize(err.Error(), apiKey)))
}
