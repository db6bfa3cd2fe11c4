package gemini

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
	BaseURL        string
	DefaultModel   string
	EmbeddingModel string
	HTTPClient     *http.Client
	Retry          providers.RetryPolicy
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "models/gemini-2.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "models/text-embedding-004"
	}
	return &Client{cfg: cfg}
}

var (
	_ providers.Adapter  = (*Client)(nil)
	_ providers.Embedder = (*Client)(nil)
)

func (c *Client) Kind() providers.Kind { return providers.Gemini }

func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	body, endpoint, err := c.buildPayload(req)
	if err != nil {
		return providers.Result{}, err
	}

	started := time.Now()
	res, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) (providers.Result, error) {
		return c.callOnce(ctx, endpoint, body, req.APIKey)
	})
	if err != nil {
		return providers.Result{}, err
	}
	res.LatencyMS = time.Since(started).Milliseconds()
	providers.FillUsage(&res, req.History)
	return res, nil
}

func (c *Client) buildPayload(req providers.Request) ([]byte, string, error) {
	payload := generateRequest{}
	var system []string
	for _, m := range req.History {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, m.Content)
		case providers.RoleUser, providers.RoleAssistant:
			role := "user"
			if m.Role == providers.RoleAssistant {
				role = "model"
			}
			// Consecutive turns of one role become parts of a single content entry.
			if n := len(payload.Contents); n > 0 && payload.Contents[n-1].Role == role {
				payload.Contents[n-1].Parts = append(payload.Contents[n-1].Parts, part{Text: m.Content})
				continue
			}
			payload.Contents = append(payload.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
		default:
			return nil, "", apperr.Newf(apperr.InvalidRequest, "unsupported message role %q", m.Role)
		}
	}
	if len(payload.Contents) == 0 {
		return nil, "", apperr.New(apperr.InvalidRequest, "conversation has no user or assistant turns")
	}
	if len(system) > 0 {
		payload.SystemInstruction = &content{Parts: []part{{Text: strings.Join(system, "\n\n")}}}
	}
	if req.Temperature > 0 {
		t := req.Temperature
		payload.GenerationConfig.Temperature = &t
	}
	if req.MaxTokens > 0 {
		payload.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal gemini payload: %w", err)
	}
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	return b, c.modelURL(model, "generateContent"), nil
}

func (c *Client) modelURL(model, method string) string {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + model + ":" + method
}

func (c *Client) callOnce(ctx context.Context, endpoint string, body []byte, apiKey string) (providers.Result, error) {
	respBody, err := c.post(ctx, endpoint, body, apiKey)
	if err != nil {
		return providers.Result{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return providers.Result{}, apperr.Wrap(apperr.TransientNetworkError, "gemini returned an unreadable response", err)
	}
	if resp.PromptFeedback.BlockReason != "" {
		return providers.Result{}, apperr.Newf(apperr.InvalidRequest, "gemini blocked the prompt (%s)", strings.ToLower(resp.PromptFeedback.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return providers.Result{}, apperr.New(apperr.TransientNetworkError, "gemini returned no candidates")
	}
	parts := make([]string, 0, len(resp.Candidates[0].Content.Parts))
	for _, p := range resp.Candidates[0].Content.Parts {
		parts = append(parts, p.Text)
	}
	text := strings.Join(parts, "")
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, apperr.Newf(apperr.InvalidRequest, "gemini returned an empty answer (finish reason %s)", strings.ToLower(resp.Candidates[0].FinishReason))
	}

	return providers.Result{
		Text:             text,
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.TransportError(ctx, providers.Gemini, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, providers.TransportError(ctx, providers.Gemini, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, respBody, apiKey)
	}
	return respBody, nil
}

// statusError classifies an error body. Gemini reports a bad key as 400
// INVALID_ARGUMENT with reason API_KEY_INVALID, which is an auth failure here.
func statusError(status int, body []byte, apiKey string) error {
	var e struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	for _, d := range e.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			status = http.StatusUnauthorized
		}
	}
	return providers.StatusError(providers.Gemini, status, providers.Sanitize(e.Error.Message, apiKey))
}
