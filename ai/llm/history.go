package llm

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

// rateLimitBackoff is how long to wait before the single retry after a
// provider 429.
const rateLimitBackoff = 5 * time.Second

// Config configures an agent against an OpenAI-compatible endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // request timeout in seconds, default 120
	Pricing Pricing
}

// historyAgent is the stateless mode: the full (truncated) history is resent
// on every call.
type historyAgent struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	pricing Pricing
}

// NewHistoryAgent creates the stateless-with-history agent.
func NewHistoryAgent(cfg *Config) Agent {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &historyAgent{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: time.Duration(timeout) * time.Second,
		pricing: cfg.Pricing,
	}
}

func (a *historyAgent) Generate(ctx context.Context, turn *Turn) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, len(turn.History)+2)
	if turn.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: turn.System,
		})
	}
	for _, m := range TruncateHistory(turn.History, MaxHistoryMessages) {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: turn.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		// Per-chat affinity key maximizes provider prompt-cache hits.
		User: turn.CacheKey,
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if isRateLimited(err) {
		slog.Warn("llm: rate limited, retrying once", "backoff", rateLimitBackoff)
		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp, err = a.client.CreateChatCompletion(ctx, req)
	}
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty response from model")
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CachedInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
		usage.InputTokens -= usage.CachedInputTokens
	}

	return &Reply{
		Text:       resp.Choices[0].Message.Content,
		ResponseID: resp.ID,
		Usage:      usage,
		CostUSD:    a.pricing.Cost(usage),
	}, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 180 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}
