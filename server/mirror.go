package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devmatch/devmatch/bot/telegram"
	"github.com/devmatch/devmatch/store"
)

// adminMirror copies conversation traffic into a per-user forum topic in the
// admin group. Everything here is best effort; a broken mirror never blocks
// the user-facing flow.
type adminMirror struct {
	store   *store.Store
	channel *telegram.Channel
}

func newAdminMirror(st *store.Store, channel *telegram.Channel) *adminMirror {
	return &adminMirror{store: st, channel: channel}
}

func (m *adminMirror) Mirror(ctx context.Context, chat *store.Chat, who, text string) {
	threadID, err := m.ensureThread(ctx, chat)
	if err != nil {
		slog.Warn("mirror: no admin thread", "chat_id", chat.ID, "error", err)
		return
	}
	if err := m.channel.SendAdmin(ctx, threadID, fmt.Sprintf("%s:\n%s", who, text)); err != nil {
		slog.Warn("mirror: admin post failed", "chat_id", chat.ID, "error", err)
	}
}

func (m *adminMirror) ensureThread(ctx context.Context, chat *store.Chat) (int, error) {
	if chat.AdminThreadID != nil {
		return *chat.AdminThreadID, nil
	}
	threadID, err := m.channel.CreateAdminThread(ctx, fmt.Sprintf("user %d", chat.UserID))
	if err != nil {
		return 0, err
	}
	if _, err := m.store.UpdateChat(ctx, &store.UpdateChat{
		ID:            chat.ID,
		AdminThreadID: &threadID,
	}); err != nil {
		slog.Warn("mirror: failed to record thread", "chat_id", chat.ID, "error", err)
	}
	chat.AdminThreadID = &threadID
	return threadID, nil
}
