package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/devmatch/devmatch/store"
)

const chatFields = `id, user_id, history, user_prompt, continuation_token, status_message_id, admin_thread_id, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*store.Chat, error) {
	var chat store.Chat
	var history []byte
	err := row.Scan(
		&chat.ID,
		&chat.UserID,
		&history,
		&chat.UserPrompt,
		&chat.ContinuationToken,
		&chat.StatusMessageID,
		&chat.AdminThreadID,
		&chat.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &chat.History); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal chat history")
	}
	return &chat, nil
}

func (d *DB) GetOrCreateChat(ctx context.Context, userID int64) (*store.Chat, error) {
	stmt := `
		INSERT INTO chats (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + chatFields
	chat, err := scanChat(d.db.QueryRowContext(ctx, stmt, userID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get or create chat")
	}
	return chat, nil
}

func (d *DB) GetChat(ctx context.Context, id int64) (*store.Chat, error) {
	chat, err := scanChat(d.db.QueryRowContext(ctx, `SELECT `+chatFields+` FROM chats WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chat")
	}
	return chat, nil
}

func (d *DB) GetChatByUser(ctx context.Context, userID int64) (*store.Chat, error) {
	chat, err := scanChat(d.db.QueryRowContext(ctx, `SELECT `+chatFields+` FROM chats WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get chat by user")
	}
	return chat, nil
}

func (d *DB) UpdateChat(ctx context.Context, update *store.UpdateChat) (*store.Chat, error) {
	set, args := []string{"updated_at = now()"}, []any{}
	if update.History != nil {
		buf, err := json.Marshal(update.History)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal chat history")
		}
		set, args = append(set, "history = "+placeholder(len(args)+1)), append(args, buf)
	}
	if update.SetUserPrompt {
		set, args = append(set, "user_prompt = "+placeholder(len(args)+1)), append(args, update.UserPrompt)
	}
	if update.SetContinuationToken {
		set, args = append(set, "continuation_token = "+placeholder(len(args)+1)), append(args, update.ContinuationToken)
	}
	if update.SetStatusMessageID {
		set, args = append(set, "status_message_id = "+placeholder(len(args)+1)), append(args, update.StatusMessageID)
	}
	if update.AdminThreadID != nil {
		set, args = append(set, "admin_thread_id = "+placeholder(len(args)+1)), append(args, *update.AdminThreadID)
	}

	args = append(args, update.ID)
	stmt := `
		UPDATE chats SET ` + strings.Join(set, ", ") + `
		WHERE id = ` + placeholder(len(args)) + `
		RETURNING ` + chatFields
	chat, err := scanChat(d.db.QueryRowContext(ctx, stmt, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update chat")
	}
	return chat, nil
}

// AppendUserPrompt grows the buffered prompt in a single statement so the
// append cannot interleave with ConsumeUserPrompt.
func (d *DB) AppendUserPrompt(ctx context.Context, chatID int64, text string) error {
	stmt := `
		UPDATE chats
		SET user_prompt = COALESCE(user_prompt || E'\n\n', '') || $2, updated_at = now()
		WHERE id = $1`
	result, err := d.db.ExecContext(ctx, stmt, chatID, text)
	if err != nil {
		return errors.Wrap(err, "failed to append user prompt")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ConsumeUserPrompt clears the pending prompt and returns its prior value in
// one statement, so a concurrent enqueue cannot observe a half-consumed chat.
func (d *DB) ConsumeUserPrompt(ctx context.Context, chatID int64) (string, error) {
	stmt := `
		UPDATE chats c
		SET user_prompt = NULL, updated_at = now()
		FROM (SELECT id, user_prompt FROM chats WHERE id = $1 FOR UPDATE) old
		WHERE c.id = old.id AND old.user_prompt IS NOT NULL
		RETURNING old.user_prompt`
	var prompt string
	err := d.db.QueryRowContext(ctx, stmt, chatID).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to consume user prompt")
	}
	return prompt, nil
}

func (d *DB) AppendChatHistory(ctx context.Context, chatID int64, messages ...store.Message) error {
	if len(messages) == 0 {
		return nil
	}
	buf, err := json.Marshal(messages)
	if err != nil {
		return errors.Wrap(err, "failed to marshal history entries")
	}
	stmt := `UPDATE chats SET history = history || $2::jsonb, updated_at = now() WHERE id = $1`
	result, err := d.db.ExecContext(ctx, stmt, chatID, buf)
	if err != nil {
		return errors.Wrap(err, "failed to append chat history")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
