package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modelrouter/internal/core"
	"modelrouter/internal/util"

	"github.com/bytedance/sonic"
)

// Client calls OpenAI-compatible chat completion APIs.
type Client struct {
	httpClient *http.Client
	endpoints  map[string]string
	logger     core.Logger
}

// DefaultEndpoints returns the public base URL of every provider.
func DefaultEndpoints() map[string]string {
	return map[string]string{
		core.ProviderGroq:    core.GroqBaseURL,
		core.ProviderMistral: core.MistralBaseURL,
	}
}

// NewClient creates a provider client. Missing endpoints fall back to DefaultEndpoints.
func NewClient(httpClient *http.Client, endpoints map[string]string, logger core.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}

	merged := DefaultEndpoints()
	for provider, base := range endpoints {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			merged[strings.ToLower(provider)] = base
		}
	}
	return &Client{httpClient: httpClient, endpoints: merged, logger: logger}
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []core.ChatMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type modelListResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

func (c *Client) baseURL(provider string) (string, error) {
	base, ok := c.endpoints[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	return base, nil
}

// Complete sends one non-streaming chat completion request.
func (c *Client) Complete(ctx context.Context, provider, apiKey, model string, messages []core.ChatMessage) (*core.Completion, error) {
	base, err := c.baseURL(provider)
	if err != nil {
		return nil, err
	}

	payload, err := util.MarshalJSON(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: core.DefaultTemperature,
		Stream:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+core.ChatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	req.Header.Set(core.HeaderAccept, core.ContentTypeJSON)
	req.Header.Set(core.HeaderAuthorization, core.AuthBearerPrefix+apiKey)

	c.logger.Debug("Provider request: provider=%s, model=%s, messages=%d, size=%d", provider, model, len(messages), len(payload))

	resp, err := c.httpClient.Do(req) //nolint:gosec // base URL comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logRateLimits(provider, model, resp)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, core.MaxErrorBodySize))
		return nil, &core.UpstreamError{
			Provider:   provider,
			Model:      model,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, core.MaxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded chatResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", core.ErrMalformedResponse)
	}
	content := decoded.Choices[0].Message.Content
	if content == nil {
		return nil, fmt.Errorf("%w: empty message content", core.ErrMalformedResponse)
	}

	requestID := resp.Header.Get(core.HeaderUpstreamRequestID)
	if requestID == "" {
		requestID = decoded.ID
	}
	return &core.Completion{
		Content:   content,
		RequestID: requestID,
		Region:    resp.Header.Get(core.HeaderGroqRegion),
	}, nil
}

// ListModels returns the models a provider serves for apiKey.
func (c *Client) ListModels(ctx context.Context, provider, apiKey string) ([]core.RemoteModel, error) {
	base, err := c.baseURL(provider)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+core.ModelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(core.HeaderAccept, core.ContentTypeJSON)
	req.Header.Set(core.HeaderAuthorization, core.AuthBearerPrefix+apiKey)

	resp, err := c.httpClient.Do(req) //nolint:gosec // base URL comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, core.MaxErrorBodySize))
		return nil, &core.UpstreamError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, core.MaxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded modelListResponse
	if err := sonic.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedResponse, err)
	}

	models := make([]core.RemoteModel, 0, len(decoded.Data))
	for _, m := range decoded.Data {
		if m.ID == "" {
			continue
		}
		models = append(models, core.RemoteModel{ID: m.ID, Provider: strings.ToLower(provider), OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func (c *Client) logRateLimits(provider, model string, resp *http.Response) {
	h := resp.Header
	if h.Get(core.HeaderRateRemainingRequests) == "" && h.Get(core.HeaderGroqRegion) == "" {
		return
	}
	c.logger.Debug("%s %s: status=%d region=%s request_id=%s requests=%s/%s (reset %s) tokens=%s/%s (reset %s)",
		provider, model, resp.StatusCode,
		h.Get(core.HeaderGroqRegion), h.Get(core.HeaderUpstreamRequestID),
		h.Get(core.HeaderRateRemainingRequests), h.Get(core.HeaderRateLimitRequests), h.Get(core.HeaderRateResetRequests),
		h.Get(core.HeaderRateRemainingTokens), h.Get(core.HeaderRateLimitTokens), h.Get(core.HeaderRateResetTokens),
	)
}
