package store

import (
	"context"
	"time"
)

// Message roles in the chat history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the per-user conversation history.
// The Role tag discriminates the variant when serialized.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat is the per-user conversational session.
type Chat struct {
	ID     int64
	UserID int64

	// History is the ordered message list passed to the agent in history mode.
	History []Message

	// UserPrompt buffers inbound text until a generation consumes it.
	// Multiple messages are concatenated with a blank line.
	UserPrompt *string

	// ContinuationToken is the provider response id for stateful mode.
	// Cleared when the provider reports it expired.
	ContinuationToken *string

	// StatusMessageID is the transport id of the placeholder sent to the user
	// while a generation is queued for this chat.
	StatusMessageID *int

	// AdminThreadID is the forum topic mirroring this chat in the admin group.
	AdminThreadID *int

	UpdatedAt time.Time
}

// UpdateChat is a partial update. Set* flags distinguish "write null" from
// "leave untouched" for the nullable columns.
type UpdateChat struct {
	ID int64

	History []Message

	UserPrompt    *string
	SetUserPrompt bool

	ContinuationToken    *string
	SetContinuationToken bool

	StatusMessageID    *int
	SetStatusMessageID bool

	AdminThreadID *int
}

func (s *Store) GetOrCreateChat(ctx context.Context, userID int64) (*Chat, error) {
	return s.driver.GetOrCreateChat(ctx, userID)
}

func (s *Store) GetChat(ctx context.Context, id int64) (*Chat, error) {
	return s.driver.GetChat(ctx, id)
}

func (s *Store) GetChatByUser(ctx context.Context, userID int64) (*Chat, error) {
	return s.driver.GetChatByUser(ctx, userID)
}

func (s *Store) UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error) {
	return s.driver.UpdateChat(ctx, update)
}

// AppendUserPrompt adds text to the buffered prompt in one atomic operation,
// separated from earlier text by a blank line. A consume running in between
// can then never have its prompt written back.
func (s *Store) AppendUserPrompt(ctx context.Context, chatID int64, text string) error {
	return s.driver.AppendUserPrompt(ctx, chatID, text)
}

// ConsumeUserPrompt atomically reads and clears the pending prompt.
// Returns ErrNotFound when no prompt is buffered.
func (s *Store) ConsumeUserPrompt(ctx context.Context, chatID int64) (string, error) {
	return s.driver.ConsumeUserPrompt(ctx, chatID)
}

// AppendChatHistory appends messages to the chat history in order.
func (s *Store) AppendChatHistory(ctx context.Context, chatID int64, messages ...Message) error {
	return s.driver.AppendChatHistory(ctx, chatID, messages...)
}
