// Package llm adapts the OpenAI-compatible generation endpoints behind a
// single Agent interface with two call modes: stateless-with-history and
// stateful-continuation.
package llm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

// ErrContinuationExpired signals that the provider no longer holds the state
// behind a continuation token. Callers fall back to history mode for the same
// turn and clear the stored token.
var ErrContinuationExpired = errors.New("continuation token expired")

// MaxHistoryMessages bounds how much history is resent per turn in history mode.
const MaxHistoryMessages = 40

// truncationNotice replaces the dropped prefix of a long history.
const truncationNotice = "earlier messages truncated"

// Usage is the token accounting of a single call.
type Usage struct {
	InputTokens       int // uncached prompt tokens
	CachedInputTokens int
	OutputTokens      int
}

// Add accumulates another call's usage, for multi-call generations.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.CachedInputTokens += other.CachedInputTokens
	u.OutputTokens += other.OutputTokens
}

// Turn is one generation request.
type Turn struct {
	// System is the system prompt for this turn.
	System string
	// Prompt is the user content.
	Prompt string
	// History is the prior conversation, used in history mode. The agent
	// truncates it to MaxHistoryMessages.
	History []store.Message
	// ContinuationToken is the previous response id, used in continuation mode.
	ContinuationToken *string
	// CacheKey gives the provider a per-chat affinity hint so prompt caching
	// works across turns.
	CacheKey string
}

// Reply is the typed result of a generation call.
type Reply struct {
	// Text is the raw model output (JSON for structured prompts).
	Text       string
	ResponseID string
	Usage      Usage
	CostUSD    float64
}

// Agent is a generation endpoint. Implementations return
// ErrContinuationExpired when a stale continuation token is rejected.
type Agent interface {
	Generate(ctx context.Context, turn *Turn) (*Reply, error)
}

// TruncateHistory bounds a history to the most recent max messages,
// prepending a single plain-text notice when anything was dropped.
func TruncateHistory(history []store.Message, max int) []store.Message {
	if len(history) <= max {
		return history
	}
	truncated := make([]store.Message, 0, max+1)
	truncated = append(truncated, store.Message{Role: store.RoleSystem, Content: truncationNotice})
	truncated = append(truncated, history[len(history)-max:]...)
	return truncated
}
