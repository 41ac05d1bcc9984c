package store

import (
	"context"
	"time"
)

// GenerationStatus tracks the lifecycle of a unit of language-model work.
// Transitions are strictly pending → started → (completed | failed).
type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationStarted   GenerationStatus = "started"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// Generation is a single serialized unit of language-model work.
// Exactly one of ChatID and MatchID is set.
type Generation struct {
	ID      int64
	ChatID  *int64
	MatchID *int64

	ScheduledFor time.Time
	Status       GenerationStatus
	StartedAt    *time.Time

	CachedInputTokens int
	InputTokens       int
	OutputTokens      int
	CostUSD           *float64
	ResponseID        *string

	PlaceholderMessageID *int

	CreatedAt time.Time
}

// IsChat reports whether this generation belongs to a chat turn.
func (g *Generation) IsChat() bool { return g.ChatID != nil }

// UpdateGeneration is a partial update; nil fields are left untouched.
type UpdateGeneration struct {
	ID int64

	Status    *GenerationStatus
	StartedAt *time.Time

	CachedInputTokens *int
	InputTokens       *int
	OutputTokens      *int
	CostUSD           *float64
	ResponseID        *string

	PlaceholderMessageID    *int
	SetPlaceholderMessageID bool
}

func (s *Store) CreateGeneration(ctx context.Context, create *Generation) (*Generation, error) {
	return s.driver.CreateGeneration(ctx, create)
}

func (s *Store) GetGeneration(ctx context.Context, id int64) (*Generation, error) {
	return s.driver.GetGeneration(ctx, id)
}

func (s *Store) UpdateGeneration(ctx context.Context, update *UpdateGeneration) (*Generation, error) {
	return s.driver.UpdateGeneration(ctx, update)
}

// NextPendingGeneration returns the due pending generation with the least
// scheduled_for ≤ now, ties broken by id, or ErrNotFound.
func (s *Store) NextPendingGeneration(ctx context.Context, now time.Time) (*Generation, error) {
	return s.driver.NextPendingGeneration(ctx, now)
}

// MinPendingScheduledFor returns the earliest scheduled_for among pending
// generations, or nil when the queue is empty.
func (s *Store) MinPendingScheduledFor(ctx context.Context) (*time.Time, error) {
	return s.driver.MinPendingScheduledFor(ctx)
}

// MaxScheduledFor returns the largest scheduled_for over all generations,
// or nil when there are none. Used to keep enqueue order monotonic.
func (s *Store) MaxScheduledFor(ctx context.Context) (*time.Time, error) {
	return s.driver.MaxScheduledFor(ctx)
}

// LastCostGeneration returns the most recently started generation that has a
// recorded cost, or ErrNotFound.
func (s *Store) LastCostGeneration(ctx context.Context) (*Generation, error) {
	return s.driver.LastCostGeneration(ctx)
}

// LatestChatGeneration returns the newest generation for the chat regardless
// of status, or ErrNotFound.
func (s *Store) LatestChatGeneration(ctx context.Context, chatID int64) (*Generation, error) {
	return s.driver.LatestChatGeneration(ctx, chatID)
}
