package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/pkg/errors"
)

// continuationAgent is the stateful mode: the provider reconstructs prior
// context from a previous response id, so only the new turn is sent.
type continuationAgent struct {
	client  oai.Client
	model   string
	timeout time.Duration
	pricing Pricing
}

// NewContinuationAgent creates the stateful-continuation agent on the
// provider's Responses API.
func NewContinuationAgent(cfg *Config) Agent {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &continuationAgent{
		client:  oai.NewClient(opts...),
		model:   cfg.Model,
		timeout: time.Duration(timeout) * time.Second,
		pricing: cfg.Pricing,
	}
}

func (a *continuationAgent) Generate(ctx context.Context, turn *Turn) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(a.model),
		Input: responses.ResponseNewParamsInputUnion{OfString: oai.String(turn.Prompt)},
		Store: oai.Bool(true),
	}
	if turn.System != "" {
		params.Instructions = oai.String(turn.System)
	}
	if turn.ContinuationToken != nil {
		params.PreviousResponseID = oai.String(*turn.ContinuationToken)
	}

	resp, err := a.client.Responses.New(ctx, params)
	if isRateLimitedResponses(err) {
		slog.Warn("llm: rate limited, retrying once", "backoff", rateLimitBackoff)
		select {
		case <-time.After(rateLimitBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		resp, err = a.client.Responses.New(ctx, params)
	}
	if err != nil {
		if isContinuationExpired(err, turn.ContinuationToken != nil) {
			return nil, ErrContinuationExpired
		}
		return nil, errors.Wrap(err, "responses call failed")
	}

	cached := int(resp.Usage.InputTokensDetails.CachedTokens)
	usage := Usage{
		InputTokens:       int(resp.Usage.InputTokens) - cached,
		CachedInputTokens: cached,
		OutputTokens:      int(resp.Usage.OutputTokens),
	}

	return &Reply{
		Text:       resp.OutputText(),
		ResponseID: resp.ID,
		Usage:      usage,
		CostUSD:    a.pricing.Cost(usage),
	}, nil
}

// isContinuationExpired maps the provider's "not found" / "container is
// expired" family onto ErrContinuationExpired, but only for calls that
// actually carried a token.
func isContinuationExpired(err error, hadToken bool) bool {
	if err == nil || !hadToken {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "container is expired") || strings.Contains(msg, "not found")
}

func isRateLimitedResponses(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *oai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
